package domain

import (
	"fmt"
	"regexp"
)

// SubjectClass は鍵の所有者の区分を表す。Admin / HR / Employee の閉じた列挙。
type SubjectClass uint8

const (
	subjectClassUnknown SubjectClass = iota
	// SubjectClassAdmin は管理者。
	SubjectClassAdmin
	// SubjectClassHR は人事担当者。
	SubjectClassHR
	// SubjectClassEmployee は従業員。
	SubjectClassEmployee
)

var subjectClassNames = map[SubjectClass]string{
	SubjectClassAdmin:    "admin",
	SubjectClassHR:       "hr",
	SubjectClassEmployee: "employee",
}

// String は永続化・URLで使う文字列表現を返す。
func (c SubjectClass) String() string {
	if name, ok := subjectClassNames[c]; ok {
		return name
	}
	return "unknown"
}

// Valid は定義済みの区分かどうかを返す。
func (c SubjectClass) Valid() bool {
	_, ok := subjectClassNames[c]
	return ok
}

// ParseSubjectClass は文字列から主体区分を得る。
func ParseSubjectClass(s string) (SubjectClass, error) {
	for c, name := range subjectClassNames {
		if name == s {
			return c, nil
		}
	}
	return subjectClassUnknown, fmt.Errorf("%w: unknown subject class %q", ErrInvalidSubject, s)
}

var subjectIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Subject は鍵レコードの所有者を一意に識別する。
type Subject struct {
	ID    string
	Class SubjectClass
}

// NewSubject は形式を検証して Subject を生成する。
func NewSubject(id string, class SubjectClass) (Subject, error) {
	s := Subject{ID: id, Class: class}
	if err := s.Validate(); err != nil {
		return Subject{}, err
	}
	return s, nil
}

// Validate は主体ID・区分の形式を検証する。
func (s Subject) Validate() error {
	if !s.Class.Valid() {
		return ErrInvalidSubject
	}
	if s.ID == "" || len(s.ID) > 64 || !subjectIDRegex.MatchString(s.ID) {
		return ErrInvalidSubject
	}
	return nil
}

// Key は "区分:ID" 形式の識別キーを返す。
func (s Subject) Key() string {
	return s.Class.String() + ":" + s.ID
}

func (s Subject) String() string {
	return s.Key()
}
