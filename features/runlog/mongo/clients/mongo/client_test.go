package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/weaveline/loom/runtime/runlog"
)

func TestClientAppendInsertsDocument(t *testing.T) {
	coll := &fakeCollection{}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	at := time.Date(2025, 7, 14, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	err = c.Append(context.Background(), runlog.Event{
		RunID:     "run-1",
		Sequence:  3,
		Type:      "content",
		Payload:   []byte(`{"type":"content"}`),
		CreatedAt: at,
	})
	require.NoError(t, err)

	require.Len(t, coll.inserted, 1)
	doc := coll.inserted[0]
	assert.Equal(t, "run-1", doc.RunID)
	assert.Equal(t, int64(3), doc.Sequence)
	assert.Equal(t, "content", doc.Type)
	assert.Equal(t, []byte(`{"type":"content"}`), doc.Payload)
	assert.Equal(t, at.UTC(), doc.CreatedAt)
}

func TestClientAppendIgnoresDuplicateSequence(t *testing.T) {
	coll := &fakeCollection{
		insertErr: mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000}}},
	}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	ev := runlog.Event{RunID: "run-1", Sequence: 1, Type: "content", CreatedAt: time.Now()}
	assert.NoError(t, c.Append(context.Background(), ev))
}

func TestClientAppendSurfacesInsertFailure(t *testing.T) {
	coll := &fakeCollection{insertErr: errors.New("boom")}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	ev := runlog.Event{RunID: "run-1", Sequence: 1, Type: "content", CreatedAt: time.Now()}
	assert.Error(t, c.Append(context.Background(), ev))
}

func TestClientAppendValidates(t *testing.T) {
	c, err := newClientWithCollection(nil, &fakeCollection{}, time.Second)
	require.NoError(t, err)

	valid := runlog.Event{RunID: "run-1", Sequence: 1, Type: "content", CreatedAt: time.Now()}

	cases := []struct {
		name   string
		mutate func(*runlog.Event)
	}{
		{"missing run id", func(ev *runlog.Event) { ev.RunID = "" }},
		{"missing type", func(ev *runlog.Event) { ev.Type = "" }},
		{"zero sequence", func(ev *runlog.Event) { ev.Sequence = 0 }},
		{"zero created at", func(ev *runlog.Event) { ev.CreatedAt = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := valid
			tc.mutate(&ev)
			assert.Error(t, c.Append(context.Background(), ev))
		})
	}
}

func TestClientListAfterSequence(t *testing.T) {
	const runID = "run-1"

	cases := []struct {
		name     string
		afterSeq int64
		limit    int
		want     []int64
	}{
		{"all from start", 0, 0, []int64{1, 2, 3, 4, 5}},
		{"after sequence", 2, 0, []int64{3, 4, 5}},
		{"bounded", 0, 2, []int64{1, 2}},
		{"after with bound", 1, 3, []int64{2, 3, 4}},
		{"past the end", 5, 0, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			coll := &fakeCollection{findDocs: fakeEventDocuments(runID, 5)}
			c, err := newClientWithCollection(nil, coll, time.Second)
			require.NoError(t, err)

			events, err := c.List(context.Background(), runID, tc.afterSeq, tc.limit)
			require.NoError(t, err)

			got := make([]int64, 0, len(events))
			for _, ev := range events {
				assert.Equal(t, runID, ev.RunID)
				got = append(got, ev.Sequence)
			}
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClientListSkipsOtherRuns(t *testing.T) {
	docs := append(fakeEventDocuments("run-1", 2), fakeEventDocuments("run-2", 3)...)
	coll := &fakeCollection{findDocs: docs}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	events, err := c.List(context.Background(), "run-2", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "run-2", ev.RunID)
	}
}

func TestClientListRequiresRunID(t *testing.T) {
	c, err := newClientWithCollection(nil, &fakeCollection{}, time.Second)
	require.NoError(t, err)

	_, err = c.List(context.Background(), "", 0, 0)
	assert.Error(t, err)
}

func TestClientPurgeDeletesByCutoff(t *testing.T) {
	coll := &fakeCollection{deleteCount: 3}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	cutoff := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	n, err := c.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	f, ok := coll.deleteFilter.(bson.M)
	require.True(t, ok)
	created, ok := f["created_at"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, cutoff, created["$lt"])
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{Database: "loom"})
	assert.Error(t, err)
}

func fakeEventDocuments(runID string, n int) []eventDocument {
	docs := make([]eventDocument, 0, n)
	for i := 1; i <= n; i++ {
		docs = append(docs, eventDocument{
			RunID:     runID,
			Sequence:  int64(i),
			Type:      "content",
			Payload:   []byte(`{}`),
			CreatedAt: time.Unix(int64(i), 0).UTC(),
		})
	}
	return docs
}

type fakeCollection struct {
	inserted     []eventDocument
	insertErr    error
	findDocs     []eventDocument
	deleteFilter any
	deleteCount  int64
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	doc, ok := document.(eventDocument)
	if !ok {
		return nil, errors.New("unexpected document type")
	}
	c.inserted = append(c.inserted, doc)
	return &mongodriver.InsertOneResult{InsertedID: bson.NewObjectID()}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}

	runID, _ := f["run_id"].(string)
	var after int64
	if seq, ok := f["sequence"].(bson.M); ok {
		if gt, ok := seq["$gt"].(int64); ok {
			after = gt
		}
	}

	filtered := make([]eventDocument, 0, len(c.findDocs))
	for _, doc := range c.findDocs {
		if doc.RunID != runID || doc.Sequence <= after {
			continue
		}
		filtered = append(filtered, doc)
	}

	if limit := findLimit(opts); limit > 0 && int64(len(filtered)) > limit {
		filtered = filtered[:limit]
	}
	return &fakeCursor{docs: filtered}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any, _ ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	c.deleteFilter = filter
	return &mongodriver.DeleteResult{DeletedCount: c.deleteCount}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

func findLimit(opts []options.Lister[options.FindOptions]) int64 {
	var fo options.FindOptions
	for _, lister := range opts {
		if lister == nil {
			continue
		}
		for _, set := range lister.List() {
			if err := set(&fo); err != nil {
				return 0
			}
		}
	}
	if fo.Limit == nil {
		return 0
	}
	return *fo.Limit
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []eventDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	p, ok := val.(*eventDocument)
	if !ok {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error {
	return c.err
}

func (c *fakeCursor) Close(context.Context) error {
	return nil
}
