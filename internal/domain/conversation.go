package domain

// Participant は会話鍵の配布先。
type Participant struct {
	SubjectID string
	PublicKey string
}

// EncryptedContent は会話鍵で暗号化されたメッセージ・ファイル本文。
type EncryptedContent struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	Algorithm  string
	MIMEType   string
	Size       int
}
