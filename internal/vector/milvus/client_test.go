package milvus

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/index/indextest"
	"github.com/Leoris0/MusicProject/internal/knowledge"
)

type fakeCollection struct {
	columns []entity.Column
	loaded  bool
}

type fakeStore struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	failInsert  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: map[string]*fakeCollection{}}
}

func (f *fakeStore) CreateCollection(_ context.Context, s *entity.Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[s.CollectionName] = &fakeCollection{}
	return nil
}

func (f *fakeStore) DropCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeStore) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.collections))
	for n := range f.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeStore) Insert(_ context.Context, name string, columns ...entity.Column) error {
	if f.failInsert != nil {
		return f.failInsert
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[name].columns = columns
	return nil
}

func (f *fakeStore) Flush(context.Context, string) error { return nil }

func (f *fakeStore) CreateIndex(context.Context, string, string, entity.Index) error { return nil }

func (f *fakeStore) LoadCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[name].loaded = true
	return nil
}

func (f *fakeStore) column(c *fakeCollection, name string) entity.Column {
	for _, col := range c.columns {
		if col.Name() == name {
			return col
		}
	}
	return nil
}

func (f *fakeStore) Search(_ context.Context, name string, vector []float32, k int, _ entity.SearchParam) ([]client.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[name]
	if !ok || !c.loaded {
		return nil, errors.New("collection not loaded")
	}

	vecs := f.column(c, fieldEmbedding).(*entity.ColumnFloatVector).Data()
	type scored struct {
		row   int
		score float32
	}
	rows := make([]scored, len(vecs))
	for i, v := range vecs {
		var dot float32
		for j := range v {
			dot += v[j] * vector[j]
		}
		rows[i] = scored{row: i, score: dot}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].score > rows[j].score })
	if len(rows) > k {
		rows = rows[:k]
	}

	pick := func(field string) []string {
		data := f.column(c, field).(*entity.ColumnVarChar).Data()
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = data[r.row]
		}
		return out
	}
	flags := f.column(c, fieldPlaceholder).(*entity.ColumnBool).Data()
	placeholders := make([]bool, len(rows))
	scores := make([]float32, len(rows))
	for i, r := range rows {
		placeholders[i] = flags[r.row]
		scores[i] = r.score
	}

	return []client.SearchResult{{
		ResultCount: len(rows),
		Scores:      scores,
		Fields: client.ResultSet{
			entity.NewColumnVarChar(fieldID, pick(fieldID)),
			entity.NewColumnVarChar(fieldText, pick(fieldText)),
			entity.NewColumnVarChar(fieldType, pick(fieldType)),
			entity.NewColumnVarChar(fieldMediaURL, pick(fieldMediaURL)),
			entity.NewColumnVarChar(fieldKeywords, pick(fieldKeywords)),
			entity.NewColumnBool(fieldPlaceholder, placeholders),
		},
	}}, nil
}

func (f *fakeStore) Close() error { return nil }

func buildDocs(base knowledge.Base) ([]index.Document, [][]float32) {
	docs := index.Documents(base)
	vecs := make([][]float32, len(docs))
	for i, d := range docs {
		vecs[i] = indextest.Vector(d.Text)
	}
	return docs, vecs
}

func TestBuildAndSearch(t *testing.T) {
	fs := newFakeStore()
	m := newClient(fs, "kb")

	docs, vecs := buildDocs(knowledge.Base{Entries: []knowledge.Entry{
		{ID: "xtY", Content: "信天游是陕北传统民歌形式", Keywords: []string{"信天游"}, Type: knowledge.TypeText},
		{ID: "yg", Content: "安塞腰鼓", Keywords: []string{"腰鼓", "鼓"}, Type: knowledge.TypeImage, MediaURL: "media/yaogu.png"},
	}})

	idx, err := m.Build(context.Background(), docs, vecs)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	hits, err := idx.Search(context.Background(), indextest.Vector("腰鼓"), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "yg", hits[0].Document.Metadata.EntryID)
	assert.Equal(t, knowledge.TypeImage, hits[0].Document.Metadata.Type)
	assert.Equal(t, "media/yaogu.png", hits[0].Document.Metadata.MediaURL)
	assert.Equal(t, []string{"腰鼓", "鼓"}, hits[0].Document.Metadata.Keywords)
	assert.False(t, hits[0].Document.Metadata.Placeholder)
}

func TestBuildPlaceholder(t *testing.T) {
	m := newClient(newFakeStore(), "kb")
	docs, vecs := buildDocs(knowledge.Base{})

	idx, err := m.Build(context.Background(), docs, vecs)
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), indextest.Vector("anything"), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].Document.Metadata.Placeholder)
}

func TestEachBuildGetsOwnCollection(t *testing.T) {
	fs := newFakeStore()
	m := newClient(fs, "kb")
	docs, vecs := buildDocs(knowledge.Base{})

	first, err := m.Build(context.Background(), docs, vecs)
	require.NoError(t, err)
	second, err := m.Build(context.Background(), docs, vecs)
	require.NoError(t, err)

	names, _ := fs.ListCollections(context.Background())
	assert.Len(t, names, 2)

	require.NoError(t, first.Close(context.Background()))
	names, _ = fs.ListCollections(context.Background())
	assert.Equal(t, []string{second.(*collection).Name()}, names)

	_, err = second.Search(context.Background(), indextest.Vector("x"), 1)
	assert.NoError(t, err)
}

func TestBuildFailureDropsPartialCollection(t *testing.T) {
	fs := newFakeStore()
	fs.failInsert = errors.New("insert rejected")
	m := newClient(fs, "kb")
	docs, vecs := buildDocs(knowledge.Base{})

	_, err := m.Build(context.Background(), docs, vecs)
	require.Error(t, err)

	names, _ := fs.ListCollections(context.Background())
	assert.Empty(t, names)
}

func TestPruneKeepsCurrentAndForeign(t *testing.T) {
	fs := newFakeStore()
	m := newClient(fs, "kb")
	docs, vecs := buildDocs(knowledge.Base{})

	_, err := m.Build(context.Background(), docs, vecs)
	require.NoError(t, err)
	live, err := m.Build(context.Background(), docs, vecs)
	require.NoError(t, err)
	require.NoError(t, fs.CreateCollection(context.Background(), &entity.Schema{CollectionName: "other_data"}))

	require.NoError(t, m.Prune(context.Background(), live.(*collection).Name()))

	names, _ := fs.ListCollections(context.Background())
	assert.Len(t, names, 2)
	for _, n := range names {
		assert.True(t, n == "other_data" || strings.HasPrefix(n, "kb_"))
	}
}

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}
