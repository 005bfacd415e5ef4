package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weaveline/loom/runtime/kv"
)

type (
	// FileKV is the key-value subset the file context cache needs.
	FileKV interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string, ttl time.Duration) error
	}

	// FileContext caches the parsed-file document a thread's uploads leave
	// behind. Upload parsing happens outside the runtime; whatever parses an
	// attachment calls Put, and message assembly injects the cached block
	// ahead of the working memory on every turn until the entry expires.
	FileContext struct {
		kv  FileKV
		ttl time.Duration
	}
)

// fileContextTTL bounds how long parsed uploads stay in the prompt without
// a re-upload.
const fileContextTTL = time.Hour

// NewFileContext wraps a KV client in the file context protocol.
func NewFileContext(kvc FileKV) *FileContext {
	return &FileContext{kv: kvc, ttl: fileContextTTL}
}

func fileContextKey(threadID string) string { return "file_context:" + threadID }

// Put caches the parsed-file document for a thread, replacing any previous
// one. The document uses the image_context content shape: optional text plus
// a list of image references.
func (f *FileContext) Put(ctx context.Context, threadID string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return fmt.Errorf("file context for %s: invalid document", threadID)
	}
	if err := f.kv.Set(ctx, fileContextKey(threadID), string(doc), f.ttl); err != nil {
		return fmt.Errorf("cache file context %s: %w", threadID, err)
	}
	return nil
}

// Load returns the cached document, or ok=false when none is cached.
func (f *FileContext) Load(ctx context.Context, threadID string) (json.RawMessage, bool, error) {
	v, err := f.kv.Get(ctx, fileContextKey(threadID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load file context %s: %w", threadID, err)
	}
	return json.RawMessage(v), true, nil
}
