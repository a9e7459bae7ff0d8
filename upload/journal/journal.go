// Package journal records which chunks of an upload reached the storage backend,
// so an interrupted upload can be resumed against backends that cannot list parts.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
)

const uploadsPrefix = "/uploads"

// Part is the journal record of one uploaded chunk.
type Part struct {
	Index      int       `json:"index"`
	ETag       string    `json:"etag,omitempty"`
	Size       int       `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type Journal struct {
	store ds.Datastore
}

// Open opens (or creates) a leveldb backed journal in dir.
func Open(dir string) (*Journal, error) {
	store, err := dslvl.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	return &Journal{store: store}, nil
}

// NewInMemory returns a journal that lives only as long as the process.
func NewInMemory() *Journal {
	return &Journal{store: dssync.MutexWrap(ds.NewMapDatastore())}
}

func (j *Journal) Close() error {
	return j.store.Close()
}

// MarkUploaded records that chunk index of the upload is stored.
func (j *Journal) MarkUploaded(ctx context.Context, uploadID string, part Part) error {
	if part.UploadedAt.IsZero() {
		part.UploadedAt = time.Now().UTC()
	}
	b, err := json.Marshal(part)
	if err != nil {
		return err
	}
	if err := j.store.Put(ctx, partKey(uploadID, part.Index), b); err != nil {
		return fmt.Errorf("put part %d of %s: %w", part.Index, uploadID, err)
	}
	return nil
}

// UploadedCount returns the length of the contiguous run of recorded chunks starting at index 0.
func (j *Journal) UploadedCount(ctx context.Context, uploadID string) (int, error) {
	count := 0
	for {
		ok, err := j.store.Has(ctx, partKey(uploadID, count))
		if err != nil {
			return 0, fmt.Errorf("check part %d of %s: %w", count, uploadID, err)
		}
		if !ok {
			return count, nil
		}
		count++
	}
}

// ListUploadedParts implements upload.PartLister.
func (j *Journal) ListUploadedParts(ctx context.Context, dest upload.Destination) (int, error) {
	return j.UploadedCount(ctx, dest.UploadID)
}

// Parts returns the recorded chunks of the upload ordered by index.
func (j *Journal) Parts(ctx context.Context, uploadID string) ([]Part, error) {
	res, err := j.store.Query(ctx, dsq.Query{
		Prefix: uploadKey(uploadID).ChildString("parts").String(),
	})
	if err != nil {
		return nil, fmt.Errorf("query parts of %s: %w", uploadID, err)
	}
	defer func() {
		_ = res.Close()
	}()

	var parts []Part
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		var part Part
		if err := json.Unmarshal(r.Value, &part); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Key, err)
		}
		parts = append(parts, part)
	}
	// keys order lexically ("10" < "2")
	sort.Slice(parts, func(a, b int) bool {
		return parts[a].Index < parts[b].Index
	})
	return parts, nil
}

// Forget deletes every record of the upload.
func (j *Journal) Forget(ctx context.Context, uploadID string) error {
	res, err := j.store.Query(ctx, dsq.Query{
		Prefix:   uploadKey(uploadID).String(),
		KeysOnly: true,
	})
	if err != nil {
		return fmt.Errorf("query parts of %s: %w", uploadID, err)
	}
	entries, err := res.Rest()
	if err != nil {
		return fmt.Errorf("query parts of %s: %w", uploadID, err)
	}

	var errs []error
	for _, e := range entries {
		if err := j.store.Delete(ctx, ds.NewKey(e.Key)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Uploads returns the ids of the uploads that have at least one recorded chunk.
func (j *Journal) Uploads(ctx context.Context) ([]string, error) {
	res, err := j.store.Query(ctx, dsq.Query{
		Prefix:   uploadsPrefix,
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}

	var ids []string
	seen := map[string]bool{}
	for _, e := range entries {
		// /uploads/<escaped id>/parts/<index>
		segments := strings.Split(strings.TrimPrefix(e.Key, uploadsPrefix+"/"), "/")
		id, err := url.PathUnescape(segments[0])
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func uploadKey(uploadID string) ds.Key {
	return ds.NewKey(uploadsPrefix).ChildString(url.PathEscape(uploadID))
}

func partKey(uploadID string, index int) ds.Key {
	return uploadKey(uploadID).ChildString("parts").ChildString(strconv.Itoa(index))
}

