package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meter-gateway/internal/poller"
)

func event(id string, value float64, prev *float64) poller.ChangeEvent {
	return poller.ChangeEvent{
		MeterID:   id,
		Name:      "Meter " + id,
		Value:     value,
		PrevValue: prev,
		ChangedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Units:     "kWh",
	}
}

func TestRecorderWritesSQLite(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Options{Dir: dir, FileType: "db"}, zap.NewNop().Sugar())
	require.NoError(t, err)

	prev := 9.5
	require.NoError(t, r.Handle(event("main", 10.0, nil)))
	require.NoError(t, r.Handle(event("main", 12.5, &prev)))
	r.Close()

	db, err := openChangeDB(filepath.Join(dir, "changes.sqlite"))
	require.NoError(t, err)
	defer db.close()

	var rows []ChangeRecord
	require.NoError(t, db.orm.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "main", rows[0].MeterID)
	assert.Equal(t, 10.0, rows[0].Value)
	assert.Nil(t, rows[0].PrevValue)
	assert.Equal(t, 12.5, rows[1].Value)
	require.NotNil(t, rows[1].PrevValue)
	assert.Equal(t, 9.5, *rows[1].PrevValue)
	assert.Equal(t, "kWh", rows[1].Units)
}

func TestRecorderWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Options{Dir: dir, FileType: "jsonl"}, zap.NewNop().Sugar())
	require.NoError(t, err)

	prev := 1.0
	require.NoError(t, r.Handle(event("a", 2.0, &prev)))
	r.Close()

	f, err := os.Open(filepath.Join(dir, "changes.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var obj map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &obj))
	assert.Equal(t, "a", obj["meter_id"])
	assert.Equal(t, 2.0, obj["value"])
	assert.Equal(t, 1.0, obj["prev_value"])
	assert.False(t, scanner.Scan())
}

func TestRecorderWritesCSV(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Options{Dir: dir, FileType: "csv"}, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, r.Handle(event("a", 2.0, nil)))
	r.Close()

	b, err := os.ReadFile(filepath.Join(dir, "changes.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "changed_at,meter_id,name,value,prev_value,units")
	assert.Contains(t, string(b), "a,Meter a,2,,kWh")
}

func TestParseFileType(t *testing.T) {
	tests := []struct {
		in                  string
		jsonl, csv, db, err bool
	}{
		{"", true, true, true, false},
		{"all", true, true, true, false},
		{"jsonl", true, false, false, false},
		{"json", true, false, false, false},
		{"csv", false, true, false, false},
		{"db", false, false, true, false},
		{"sqlite", false, false, true, false},
		{"db+jsonl", true, false, true, false},
		{"csv+db+json", true, true, true, false},
		{"parquet", false, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			j, c, d, err := parseFileType(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.jsonl, j)
			assert.Equal(t, tt.csv, c)
			assert.Equal(t, tt.db, d)
		})
	}
}

func TestRecorderRejectsUnknownFileType(t *testing.T) {
	_, err := New(Options{Dir: t.TempDir(), FileType: "parquet"}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported recorder file_type")
}
