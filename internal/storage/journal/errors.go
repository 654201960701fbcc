package journal

// ============================================================================
// 錯誤定義
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted 日誌內容無法解析
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch 校驗和不符（資料損毀）
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed 日誌已關閉
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError 帶有詳細資訊的校驗和錯誤
type ChecksumError struct {
	Seq      uint64 // 出錯的事件序號
	Expected uint32 // 預期的校驗和
	Actual   uint32 // 實際的校驗和
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is 讓 errors.Is(err, ErrChecksumMismatch) 成立
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError 日誌損毀錯誤
type CorruptionError struct {
	Line  int   // 出錯的行號（從 1 開始）
	Cause error // 底層錯誤
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is 讓 errors.Is(err, ErrCorrupted) 成立
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}
