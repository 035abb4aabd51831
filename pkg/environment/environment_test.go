package environment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTable(rows int) *Table {
	t := &Table{Columns: []string{"product", "rating"}}
	for i := 0; i < rows; i++ {
		t.Rows = append(t.Rows, map[string]any{
			"product": fmt.Sprintf("item-%d", i),
			"rating":  float64(i % 5),
		})
	}
	return t
}

func TestStore_AddGetReplace(t *testing.T) {
	store := New()

	store.Add("dataset_data.sales_2024", makeTable(3), nil)

	value, ok := store.Get("dataset_data.sales_2024")
	require.True(t, ok)
	assert.Equal(t, TagTable, value.Tag())

	// Replacing the same key is recorded as a replace, not an add.
	store.Add("dataset_data.sales_2024", makeTable(5), nil)

	changes := store.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, OpAdd, changes[0].Op)
	assert.Equal(t, OpReplace, changes[1].Op)

	table, ok := store.Get("dataset_data.sales_2024")
	require.True(t, ok)
	assert.Len(t, table.(*Table).Rows, 5)
}

func TestStore_RemoveAndClearAreLogged(t *testing.T) {
	store := New()
	store.Add("clustering.reviews", &Text{Value: "three clusters"}, nil)

	assert.True(t, store.Remove("clustering.reviews"))
	assert.False(t, store.Remove("clustering.reviews"))

	store.Add("sentiment.result", &Scalar{Value: 0.7}, nil)
	store.Clear()
	assert.Equal(t, 0, store.Len())

	var ops []ChangeOp
	for _, c := range store.Changes() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []ChangeOp{OpAdd, OpRemove, OpAdd, OpClear}, ops)
}

func TestStore_Find(t *testing.T) {
	store := New()
	store.Add("dataset_data.sales", makeTable(2), nil)
	store.Add("dataset_data.reviews", makeTable(2), nil)
	store.Add("sentiment.result", &Scalar{Value: 0.4}, nil)

	found := store.Find("dataset_data.*")
	assert.Len(t, found, 2)
	assert.Contains(t, found, "dataset_data.sales")
	assert.Contains(t, found, "dataset_data.reviews")

	assert.Empty(t, store.Find("missing.*"))
}

func TestStore_Describe(t *testing.T) {
	store := New()
	assert.Equal(t, "The environment is empty.", store.Describe())

	store.Add("dataset_data.sales", makeTable(4), nil)
	store.Add("chart.revenue", &ChartSpec{Type: "bar", Title: "Revenue"}, nil)

	desc := store.Describe()
	assert.Contains(t, desc, "dataset_data.sales")
	assert.Contains(t, desc, "4 rows")
	assert.Contains(t, desc, "chart.revenue")
	// Full table contents never appear in the description.
	assert.NotContains(t, desc, "item-0")
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	store := New()
	store.Add("dataset_data.sales", makeTable(10), nil)
	store.Add("sentiment.result", &Scalar{Value: 0.82}, nil)
	store.Add("summary", &Text{Value: "mostly positive"}, nil)
	store.Add("analysis.extra", &JSON{Value: map[string]any{"top_term": "pricing"}}, nil)
	store.Add("chart.revenue", &ChartSpec{
		Type:   "line",
		Title:  "Monthly revenue",
		Series: []Series{{Name: "2024", Values: []float64{1, 2, 3}}},
	}, nil)

	data, err := store.Snapshot(DefaultLargeTableRowThreshold)
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)

	assert.ElementsMatch(t, store.Keys(), restored.Keys())

	table, ok := restored.Get("dataset_data.sales")
	require.True(t, ok)
	assert.Len(t, table.(*Table).Rows, 10)

	scalar, ok := restored.Get("sentiment.result")
	require.True(t, ok)
	assert.Equal(t, 0.82, scalar.(*Scalar).Value)

	chart, ok := restored.Get("chart.revenue")
	require.True(t, ok)
	assert.Equal(t, "line", chart.(*ChartSpec).Type)

	// A restored store starts with an empty mutation log.
	assert.Empty(t, restored.Changes())
}

func TestSnapshot_LargeTableBecomesMetadata(t *testing.T) {
	store := New()
	store.Add("dataset_data.big", makeTable(1500), nil)

	data, err := store.Snapshot(1000)
	require.NoError(t, err)

	// Restoring yields no value for the large table: the workflow reloads
	// from source or proceeds without it.
	restored, err := Restore(data)
	require.NoError(t, err)
	_, ok := restored.Get("dataset_data.big")
	assert.False(t, ok)

	// The snapshot itself carries schema and a 5-row sample.
	assert.Contains(t, string(data), `"table_metadata"`)
	assert.Contains(t, string(data), largeTableNote)
	assert.Contains(t, string(data), "item-4")
	assert.NotContains(t, string(data), "item-5")
}

func TestSnapshot_SmallTableAtThresholdIsPreserved(t *testing.T) {
	store := New()
	store.Add("dataset_data.exact", makeTable(1000), nil)

	data, err := store.Snapshot(1000)
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)
	value, ok := restored.Get("dataset_data.exact")
	require.True(t, ok)
	assert.Len(t, value.(*Table).Rows, 1000)
}

func TestSnapshot_EmbeddingMatrixNotPersisted(t *testing.T) {
	store := New()
	store.Add("embeddings.reviews", &EmbeddingMatrix{Vectors: [][]float32{{0.1, 0.2}}}, nil)
	store.Add("summary", &Text{Value: "kept"}, nil)

	data, err := store.Snapshot(DefaultLargeTableRowThreshold)
	require.NoError(t, err)

	restored, err := Restore(data)
	require.NoError(t, err)
	_, ok := restored.Get("embeddings.reviews")
	assert.False(t, ok)
	_, ok = restored.Get("summary")
	assert.True(t, ok)
}

func TestRestore_Empty(t *testing.T) {
	restored, err := Restore(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.Len())
}

func TestRestore_Corrupt(t *testing.T) {
	_, err := Restore([]byte("{not json"))
	assert.Error(t, err)
}
