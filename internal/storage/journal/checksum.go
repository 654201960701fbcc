package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌項目的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算項目的 CRC32 校驗和
//
// 涵蓋 Seq、Type 與完整的紀錄內容；不包含 Timestamp 與 Checksum 本身。
//
// 參數：
//
//	entry - 要計算的項目
//
// 回傳：
//
//	uint32 校驗和
func CalculateChecksum(entry Entry) uint32 {
	body, err := json.Marshal(entry.Record)
	if err != nil {
		return 0
	}

	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(entry.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(entry.Type))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum32()
}

// VerifyChecksum 驗證項目的校驗和
//
// 回傳：
//
//	error - 不符時為 *ChecksumError
func VerifyChecksum(entry Entry) error {
	expected := CalculateChecksum(entry)
	if entry.Checksum != expected {
		return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
	}
	return nil
}
