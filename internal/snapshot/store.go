package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-timer/internal/storage/docstore"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// Store 匯出/匯入所需的文件儲存操作（docstore.Store 實作）
type Store interface {
	List(ctx context.Context, coll types.Collection) ([]json.RawMessage, error)
	Apply(ctx context.Context, coll types.Collection, ops []docstore.Op) error
}

// Export 讀出三個集合，組成一份快照
func Export(ctx context.Context, s Store) (types.SnapshotData, error) {
	data := types.SnapshotData{SchemaVer: SchemaVersion}
	var err error
	if data.Sessions, err = list[types.Session](ctx, s, types.CollectionSessions); err != nil {
		return data, err
	}
	if data.Timers, err = list[types.Timer](ctx, s, types.CollectionTimers); err != nil {
		return data, err
	}
	if data.Records, err = list[types.Record](ctx, s, types.CollectionRecords); err != nil {
		return data, err
	}
	return data, nil
}

// Import 以 upsert 寫入快照中的所有文件；既有但不在快照中的文件保留
//
// 返回值：
//   - int: 寫入的文件數
//   - error: 任一集合寫入失敗
func Import(ctx context.Context, s Store, data types.SnapshotData) (int, error) {
	total := 0
	for _, batch := range []struct {
		coll types.Collection
		ops  []docstore.Op
	}{
		{types.CollectionSessions, upserts(data.Sessions)},
		{types.CollectionTimers, upserts(data.Timers)},
		{types.CollectionRecords, upserts(data.Records)},
	} {
		if len(batch.ops) == 0 {
			continue
		}
		if err := s.Apply(ctx, batch.coll, batch.ops); err != nil {
			return total, fmt.Errorf("import %s: %w", batch.coll, err)
		}
		total += len(batch.ops)
	}
	return total, nil
}

func list[D any](ctx context.Context, s Store, coll types.Collection) ([]D, error) {
	bodies, err := s.List(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	out := make([]D, 0, len(bodies))
	for _, b := range bodies {
		var d D
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", coll, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func upserts[D types.Document](docs []D) []docstore.Op {
	ops := make([]docstore.Op, 0, len(docs))
	for _, d := range docs {
		if d.DocID() == "" {
			continue
		}
		ops = append(ops, docstore.Op{Kind: docstore.OpCreate, ID: d.DocID(), Doc: d})
	}
	return ops
}
