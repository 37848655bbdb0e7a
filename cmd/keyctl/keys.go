package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordStdin が true ならパスワードを標準入力の1行から読む（スクリプト用）。
var passwordStdin bool

// subjectFlags は --class と --id を保持する。
type subjectFlags struct {
	class string
	id    string
}

func (s *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.class, "class", "employee", "Subject class: admin, hr, employee")
	cmd.Flags().StringVar(&s.id, "id", "", "Subject ID (required)")
	_ = cmd.MarkFlagRequired("id")
}

func (s *subjectFlags) path(suffix string) string {
	return fmt.Sprintf("/v1/subjects/%s/%s/keys%s", s.class, s.id, suffix)
}

func (s *subjectFlags) String() string {
	return s.class + ":" + s.id
}

var stdinReader = bufio.NewReader(os.Stdin)

// readPassword は端末からエコーなしでパスワードを読む。
func readPassword(prompt string) (string, error) {
	if passwordStdin {
		line, err := stdinReader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot read password: stdin is not a terminal (use --password-stdin)")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// readNewPassword は確認入力付きで新しいパスワードを読む。
func readNewPassword() (string, error) {
	first, err := readPassword("New password: ")
	if err != nil {
		return "", err
	}
	if passwordStdin {
		return first, nil
	}
	second, err := readPassword("Confirm new password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}

func addPasswordStdinFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read password(s) from stdin, one per line")
}

type publicKeyResult struct {
	PublicKey string `json:"public_key"`
	Version   uint   `json:"version"`
	Strength  string `json:"strength"`
}

func decodePublicKey(body []byte) (publicKeyResult, error) {
	var result publicKeyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("parsing response: %w", err)
	}
	return result, nil
}

// initCmd は鍵レコードの初期化コマンド。
func initCmd() *cobra.Command {
	var subject subjectFlags
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the key record for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readNewPassword()
			if err != nil {
				return err
			}
			body, err := callAPI(cmd.Context(), http.MethodPost, subject.path(""), map[string]string{"password": password}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				r, err := decodePublicKey(body)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Initialized key for %s (version: %d, strength: %s)", subject.String(), r.Version, r.Strength), nil
			})
		},
	}
	subject.register(cmd)
	addPasswordStdinFlag(cmd)
	return cmd
}

// rotateCmd は鍵のローテーションコマンド。
func rotateCmd() *cobra.Command {
	var subject subjectFlags
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the key for a subject under a new password",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := readPassword("Current password: ")
			if err != nil {
				return err
			}
			next, err := readNewPassword()
			if err != nil {
				return err
			}
			body, err := callAPI(cmd.Context(), http.MethodPost, subject.path("/rotate"),
				map[string]string{"current_password": current, "new_password": next}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				r, err := decodePublicKey(body)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Rotated key for %s (new version: %d)", subject.String(), r.Version), nil
			})
		},
	}
	subject.register(cmd)
	addPasswordStdinFlag(cmd)
	return cmd
}

// compromiseCmd は鍵を漏洩済みにするコマンド。
func compromiseCmd() *cobra.Command {
	var subject subjectFlags
	var yes bool
	cmd := &cobra.Command{
		Use:   "compromise",
		Short: "Mark the key for a subject as compromised (irreversible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("marking a key compromised cannot be undone; pass --yes to confirm")
			}
			if _, err := callAPI(cmd.Context(), http.MethodPost, subject.path("/compromise"), nil, http.StatusAccepted); err != nil {
				return err
			}
			return printResult(cmd, []byte("{}"), func() (string, error) {
				return color.RedString("Marked key for %s as compromised", subject.String()), nil
			})
		},
	}
	subject.register(cmd)
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the operation")
	return cmd
}

// verifyCmd は整合性検証コマンド。
func verifyCmd() *cobra.Command {
	var subject subjectFlags
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a password unlocks the subject's key and the key is intact",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			body, err := callAPI(cmd.Context(), http.MethodPost, subject.path("/verify"), map[string]string{"password": password}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				var r struct {
					IsValid bool   `json:"is_valid"`
					Version uint   `json:"version"`
					Reason  string `json:"reason"`
				}
				if err := json.Unmarshal(body, &r); err != nil {
					return "", fmt.Errorf("parsing response: %w", err)
				}
				if r.IsValid {
					return color.GreenString("✓") + fmt.Sprintf(" key for %s is valid (version %d)", subject.String(), r.Version), nil
				}
				return color.RedString("✗") + fmt.Sprintf(" key for %s failed verification: %s", subject.String(), r.Reason), nil
			})
		},
	}
	subject.register(cmd)
	addPasswordStdinFlag(cmd)
	return cmd
}

// statusCmd は鍵状態の表示コマンド。
func statusCmd() *cobra.Command {
	var subject subjectFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show key status for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(cmd.Context(), http.MethodGet, subject.path("/status"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				var r struct {
					Version       uint    `json:"version"`
					Strength      string  `json:"strength"`
					Active        bool    `json:"active"`
					Compromised   bool    `json:"compromised"`
					LastRotatedAt string  `json:"last_rotated_at"`
					CompromisedAt *string `json:"compromised_at"`
					BackupCount   int     `json:"backup_count"`
					EncryptCount  uint64  `json:"encrypt_count"`
					DecryptCount  uint64  `json:"decrypt_count"`
				}
				if err := json.Unmarshal(body, &r); err != nil {
					return "", fmt.Errorf("parsing response: %w", err)
				}

				state := color.GreenString("active")
				if r.Compromised {
					state = color.RedString("compromised")
					if r.CompromisedAt != nil {
						state += " since " + *r.CompromisedAt
					}
				}
				var sb strings.Builder
				fmt.Fprintf(&sb, "%s %s\n", color.CyanString("Subject:"), subject.String())
				fmt.Fprintf(&sb, "  %-14s %s\n", "State:", state)
				fmt.Fprintf(&sb, "  %-14s %d\n", "Version:", r.Version)
				fmt.Fprintf(&sb, "  %-14s %s\n", "Strength:", strengthColor(r.Strength))
				fmt.Fprintf(&sb, "  %-14s %s\n", "Last rotated:", r.LastRotatedAt)
				fmt.Fprintf(&sb, "  %-14s %d\n", "Backups:", r.BackupCount)
				fmt.Fprintf(&sb, "  %-14s %d encrypt / %d decrypt", "Usage:", r.EncryptCount, r.DecryptCount)
				return sb.String(), nil
			})
		},
	}
	subject.register(cmd)
	return cmd
}

func strengthColor(s string) string {
	switch s {
	case "very-strong", "strong":
		return color.GreenString(s)
	case "medium":
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

// publicKeyCmd は公開鍵の表示コマンド。
func publicKeyCmd() *cobra.Command {
	var subject subjectFlags
	cmd := &cobra.Command{
		Use:   "public-key",
		Short: "Print the published public key (PEM) for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(cmd.Context(), http.MethodGet, subject.path("/public-key"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				r, err := decodePublicKey(body)
				if err != nil {
					return "", err
				}
				return strings.TrimRight(r.PublicKey, "\n"), nil
			})
		},
	}
	subject.register(cmd)
	return cmd
}

// distributeCmd は会話鍵の配布コマンド。引数は "class:id" 形式の主体。
func distributeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distribute SUBJECT...",
		Short: "Create a conversation key wrapped for each subject (class:id)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type ref struct {
				Class string `json:"class"`
				ID    string `json:"id"`
			}
			refs := make([]ref, 0, len(args))
			for _, arg := range args {
				class, id, ok := strings.Cut(arg, ":")
				if !ok {
					return fmt.Errorf("invalid subject %q (expected class:id)", arg)
				}
				refs = append(refs, ref{Class: class, ID: id})
			}

			body, err := callAPI(cmd.Context(), http.MethodPost, "/v1/conversation-keys", map[string]any{"subjects": refs}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				var r struct {
					WrappedKeys map[string]string `json:"wrapped_keys"`
				}
				if err := json.Unmarshal(body, &r); err != nil {
					return "", fmt.Errorf("parsing response: %w", err)
				}
				var sb strings.Builder
				for _, arg := range args {
					fmt.Fprintf(&sb, "%s\t%s\n", arg, r.WrappedKeys[arg])
				}
				return strings.TrimRight(sb.String(), "\n"), nil
			})
		},
	}
}

// recoverCmd はラップされた会話鍵の取り出しコマンド。
func recoverCmd() *cobra.Command {
	var subject subjectFlags
	var wrapped string
	var keyVersion uint
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Unwrap a conversation key with the subject's private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := base64.StdEncoding.DecodeString(wrapped)
			if err != nil {
				return fmt.Errorf("--wrapped must be base64: %w", err)
			}
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			body, err := callAPI(cmd.Context(), http.MethodPost, subject.path("/conversation-key"), map[string]any{
				"password":    password,
				"wrapped_key": raw,
				"key_version": keyVersion,
			}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func() (string, error) {
				var r struct {
					Key string `json:"key"`
				}
				if err := json.Unmarshal(body, &r); err != nil {
					return "", fmt.Errorf("parsing response: %w", err)
				}
				return r.Key, nil
			})
		},
	}
	subject.register(cmd)
	addPasswordStdinFlag(cmd)
	cmd.Flags().StringVar(&wrapped, "wrapped", "", "Wrapped conversation key (base64, required)")
	cmd.Flags().UintVar(&keyVersion, "key-version", 0, "Key version the conversation key was wrapped for (0 = current)")
	_ = cmd.MarkFlagRequired("wrapped")
	return cmd
}
