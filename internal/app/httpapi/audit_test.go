package httpapi

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRingWrapsNewestFirst(t *testing.T) {
	l := newAuditLog(3, nil)
	for i, user := range []string{"u1", "u2", "u1", "u3", "u1"} {
		l.record(auditEntry{User: user, Status: 200 + i})
	}

	got := l.recent(0, "")
	require.Len(t, got, 3)
	assert.Equal(t, []int{204, 203, 202}, []int{got[0].Status, got[1].Status, got[2].Status})

	mine := l.recent(10, "u1")
	require.Len(t, mine, 2)
	assert.Equal(t, 204, mine[0].Status)

	assert.Len(t, l.recent(1, ""), 1)
	assert.Empty(t, newAuditLog(0, nil).recent(5, ""))
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := openJSONLSink(path)
	require.NoError(t, err)

	l := newAuditLog(2, sink)
	l.record(auditEntry{Method: "POST", Path: "/api/devices", Status: 201})
	l.record(auditEntry{Method: "DELETE", Path: "/api/devices/x", Status: 204})
	require.NoError(t, sink.f.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []auditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e auditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "/api/devices/x", lines[1].Path)
}
