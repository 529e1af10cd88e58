package engine

import (
	"context"
	"time"

	"github.com/BaSui01/flowkit/storage"
	"github.com/BaSui01/flowkit/workflow"
	"github.com/BaSui01/flowkit/workflow/expr"
)

// storageExecutor runs storage nodes against the configured backend. Keys
// may contain ${path} references resolved against the run context, so
// "runs/${workflow.id}/items" yields a per-workflow key.
type storageExecutor struct {
	backend storage.Backend
}

func (e *storageExecutor) Execute(ctx context.Context, node *workflow.Node, run *Run) (Result, error) {
	cfg := node.Config.StorageConfig
	if cfg == nil {
		return fail("storage node has no storage config"), nil
	}

	key := expr.ResolveTemplate(cfg.Key, run.Context())
	if key == "" {
		return fail("storage key resolved to empty string"), nil
	}
	ttl := time.Duration(cfg.TTLSecs) * time.Second

	switch cfg.Operation {
	case workflow.StorageSave:
		value, found := run.Lookup(cfg.ValueSource)
		if !found {
			return fail("storage value source not found: " + cfg.ValueSource), nil
		}
		if err := e.backend.Save(ctx, key, value, ttl); err != nil {
			return nil, err
		}
		return ok("operation", "save", "key", key), nil

	case workflow.StorageLoad:
		value, found, err := e.backend.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			result := fail("key not found: " + key)
			result["key"] = key
			return result, nil
		}
		if cfg.Target != "" {
			run.SetPath(cfg.Target, value)
		}
		result := ok("operation", "load", "key", key)
		result["value"] = value
		return result, nil

	case workflow.StorageUpdate:
		value, found := run.Lookup(cfg.ValueSource)
		if !found {
			return fail("storage value source not found: " + cfg.ValueSource), nil
		}
		existing, loaded, err := e.backend.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		merged := value
		if loaded {
			// Map values merge key-wise with the update winning;
			// anything else is replaced outright.
			existingMap, isMap := existing.(map[string]any)
			updateMap, updIsMap := value.(map[string]any)
			if isMap && updIsMap {
				combined := make(map[string]any, len(existingMap)+len(updateMap))
				for k, v := range existingMap {
					combined[k] = v
				}
				for k, v := range updateMap {
					combined[k] = v
				}
				merged = combined
			}
		}
		if err := e.backend.Save(ctx, key, merged, ttl); err != nil {
			return nil, err
		}
		return ok("operation", "update", "key", key), nil

	case workflow.StorageDelete:
		if err := e.backend.Delete(ctx, key); err != nil {
			return nil, err
		}
		return ok("operation", "delete", "key", key), nil

	case workflow.StorageAppend:
		value, found := run.Lookup(cfg.ValueSource)
		if !found {
			return fail("storage value source not found: " + cfg.ValueSource), nil
		}
		if err := e.backend.Append(ctx, key, value, ttl); err != nil {
			return nil, err
		}
		return ok("operation", "append", "key", key), nil

	default:
		return fail("unknown storage operation: " + string(cfg.Operation)), nil
	}
}
