package usecase

import "hr-key-management/internal/domain"

// RecordSealer は鍵レコードにHMACの封印を付け、ストア外での改ざんを検知する。
// 鍵が設定されていない場合は何もしない。
type RecordSealer struct {
	crypto CryptoProvider
	key    []byte
}

// NewRecordSealer は新しいRecordSealerを生成する。key が空なら封印は無効。
func NewRecordSealer(crypto CryptoProvider, key []byte) *RecordSealer {
	return &RecordSealer{crypto: crypto, key: key}
}

// Enabled は封印が有効かどうかを返す。
func (s *RecordSealer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

// Seal は封印値を設定したレコードを返す。
func (s *RecordSealer) Seal(rec domain.KeyRecord) domain.KeyRecord {
	if !s.Enabled() {
		return rec
	}
	return rec.WithSeal(s.crypto.HMAC(rec.SealPayload(), s.key))
}

// Verify は封印値を検証する。封印が無効なら常に true。
func (s *RecordSealer) Verify(rec domain.KeyRecord) bool {
	if !s.Enabled() {
		return true
	}
	return s.crypto.VerifyHMAC(rec.SealPayload(), s.key, rec.Seal)
}
