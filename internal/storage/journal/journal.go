// ============================================================================
// Beaver-Timer 完成紀錄日誌 - Write-Ahead Journal
// ============================================================================
//
// Package: internal/storage/journal
// 文件: journal.go
// 功能: 完成紀錄在送往持久化協作者之前先寫入本日誌
//
// 格式:
//   每行一個 JSON 項目（seq、type、record、timestamp、CRC32 checksum）。
//
// 恢復流程:
//   啟動並載入 records 集合後，Replay 所有項目；集合中缺少的紀錄重新建立，
//   之後 Rotate 清空日誌（可選擇壓縮歸檔）。
//
// 並發安全:
//   sync.Mutex 保護所有寫入；檔案系統透過 afero 注入，測試使用記憶體檔案系統。
//
// ============================================================================

package journal

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// EntryType 日誌項目類型
type EntryType string

const (
	EntryFinish EntryType = "FINISH" // 計時器完成，產生紀錄
)

// Entry 一筆日誌項目
type Entry struct {
	Seq       uint64       `json:"seq"`       // 單調遞增序號
	Type      EntryType    `json:"type"`      // 項目類型
	Record    types.Record `json:"record"`    // 完成紀錄
	Timestamp int64        `json:"timestamp"` // Unix 毫秒
	Checksum  uint32       `json:"checksum"`  // CRC32
}

// Handler Replay 時處理每個項目的函式
type Handler func(entry Entry) error

// Options 日誌設定
type Options struct {
	SyncOnAppend bool             // 每次追加都 fsync
	Archive      bool             // Rotate 時以 gzip 歸檔舊日誌
	Now          func() time.Time // 時間來源
}

// Journal Write-Ahead 日誌
type Journal struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	file   afero.File
	seq    uint64
	opts   Options
	closed bool
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟日誌
//
// 行為：
//   - 檔案不存在時建立，seq 從 0 開始
//   - 檔案已存在時掃描取得最後一個有效項目的 seq
//
// 參數：
//   - fs: 檔案系統
//   - path: 日誌檔案路徑
//   - opts: 設定
//
// 返回值：
//   - *Journal: 日誌實例
//   - error: 開檔錯誤
func Open(fs afero.Fs, path string, opts Options) (*Journal, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	j := &Journal{fs: fs, path: path, opts: opts}

	// 取得最後的 seq；損毀的尾端不影響開啟
	_ = j.scan(func(e Entry) error {
		j.seq = e.Seq
		return nil
	})

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j.file = file
	return j, nil
}

// Append 追加一筆完成紀錄
//
// 返回值：
//   - uint64: 指派的序號
//   - error: 寫入失敗
func (j *Journal) Append(rec types.Record) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	entry := Entry{
		Seq:       j.seq + 1,
		Type:      EntryFinish,
		Record:    rec,
		Timestamp: j.opts.Now().UnixMilli(),
	}
	entry.Checksum = CalculateChecksum(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("append entry: %w", err)
	}
	if j.opts.SyncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync journal: %w", err)
		}
	}

	j.seq = entry.Seq
	return entry.Seq, nil
}

// Replay 依序重放所有項目
//
// 遇到損毀或校驗失敗時停止並回傳錯誤；之前的項目已交給 handler。
func (j *Journal) Replay(handler Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.scan(handler)
}

// Rotate 清空日誌；Archive 為 true 時將舊內容壓縮保存
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	if j.opts.Archive && j.seq > 0 {
		archive := j.path + "." + j.opts.Now().Format("20060102_150405") + ".gz"
		if err := j.compress(archive); err != nil {
			return fmt.Errorf("archive journal: %w", err)
		}
	}

	file, err := j.fs.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = file
	j.seq = 0
	return nil
}

// Close 關閉日誌；關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("sync journal: %w", err)
	}
	return j.file.Close()
}

// LastSeq 目前的最後序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// scan 逐行讀取並驗證，呼叫者需持有鎖（Open 時除外）
func (j *Journal) scan(handler Handler) error {
	f, err := j.fs.Open(j.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(entry); err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// compress 以 gzip 複製目前的日誌到 dst
func (j *Journal) compress(dst string) error {
	src, err := j.fs.Open(j.path)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := j.fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}
