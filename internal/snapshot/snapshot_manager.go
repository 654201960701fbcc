// ============================================================================
// Beaver-Timer 快照管理器 - Export / Import
// ============================================================================
//
// Package: internal/snapshot
// 文件: snapshot_manager.go
// 功能: 將三個集合匯出成單一 JSON 檔，並從 JSON 或 YAML 種子檔匯入
//
// 原子寫入:
//   1. 寫入 path.tmp
//   2. Rename 覆蓋目標（同一檔案系統上是原子操作）
//   3. 寫入中途崩潰只會留下 .tmp，既有快照不受影響
//
// 格式判斷:
//   副檔名 .yaml / .yml 以 yaml.v3 解析，其餘一律視為 JSON。
//
// 版本:
//   SchemaVer 目前為 1；0 視為未填寫（手寫的種子檔），其他值拒絕。
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorruptedSnapshot 快照內容無法解析
	ErrCorruptedSnapshot = errors.New("snapshot file is corrupted")
	// ErrIncompatibleVersion 快照版本不相容
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	// ErrSnapshotNotFound 快照檔案不存在
	ErrSnapshotNotFound = errors.New("snapshot file not found")
)

// Manager 快照管理器
type Manager struct {
	fs   afero.Fs
	path string           // 快照檔案路徑
	now  func() time.Time // 備份檔名用的時間來源
	mu   sync.Mutex       // 保護檔案操作
}

// NewManager 建立快照管理器
//
// 參數：
//   - fs: 檔案系統（測試用 afero.NewMemMapFs）
//   - path: 快照檔案路徑
func NewManager(fs afero.Fs, path string) *Manager {
	return &Manager{fs: fs, path: path, now: time.Now}
}

// Write 原子性地寫入快照
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(data)
}

// WriteWithBackup 寫入前把舊快照改名為 path.<時間戳>，只保留最新 keep 份備份
func (m *Manager) WriteWithBackup(data types.SnapshotData, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, _ := afero.Exists(m.fs, m.path); ok {
		backup := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405"))
		if err := m.fs.Rename(m.path, backup); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.prune(keep); err != nil {
			return err
		}
	}
	return m.write(data)
}

// Load 讀取快照；檔案不存在時回傳 ErrSnapshotNotFound
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ReadFile(m.fs, m.path)
}

// Exists 快照檔案是否存在
func (m *Manager) Exists() bool {
	ok, _ := afero.Exists(m.fs, m.path)
	return ok
}

// Path 返回快照路徑
func (m *Manager) Path() string { return m.path }

// ReadFile 從 fs 讀取並解析快照或種子檔
func ReadFile(fs afero.Fs, path string) (types.SnapshotData, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(path, raw)
}

// Decode 依副檔名解析內容並檢查版本
func Decode(name string, raw []byte) (types.SnapshotData, error) {
	var data types.SnapshotData
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	default:
		if err := json.Unmarshal(raw, &data); err != nil {
			return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	}

	if data.SchemaVer != 0 && data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	data.SchemaVer = SchemaVersion
	return data, nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (m *Manager) write(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := m.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, body, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := m.fs.Rename(tmp, m.path); err != nil {
		_ = m.fs.Remove(tmp)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// prune 刪除超過 keep 份的舊備份（時間戳越舊越先刪）
func (m *Manager) prune(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := afero.Glob(m.fs, m.path+".*")
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	var stamped []string
	for _, b := range backups {
		if !strings.HasSuffix(b, ".tmp") {
			stamped = append(stamped, b)
		}
	}
	sort.Strings(stamped)
	for len(stamped) > keep {
		if err := m.fs.Remove(stamped[0]); err != nil {
			return fmt.Errorf("failed to remove backup: %w", err)
		}
		stamped = stamped[1:]
	}
	return nil
}
