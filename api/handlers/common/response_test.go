package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewListResponsePaging(t *testing.T) {
	cases := []struct {
		name      string
		page      int
		pageSize  int
		total     int64
		totalPage int
	}{
		{"不满一页", 1, 20, 2, 1},
		{"恰好整页", 2, 20, 40, 2},
		{"末页不满", 1, 20, 45, 3},
		{"空列表", 1, 20, 0, 0},
		{"页大小为零", 1, 0, 45, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := NewListResponse([]string{}, tc.page, tc.pageSize, tc.total)
			assert.Equal(t, tc.page, resp.Pagination.Page)
			assert.Equal(t, tc.pageSize, resp.Pagination.PageSize)
			assert.Equal(t, tc.total, resp.Pagination.Total)
			assert.Equal(t, tc.totalPage, resp.Pagination.TotalPage)
		})
	}
}

func TestListResponseWireFormat(t *testing.T) {
	type workflowRow struct {
		ID             string `json:"id"`
		WorkflowNumber string `json:"workflowNumber"`
	}
	resp := NewListResponse([]workflowRow{
		{ID: "wf-1", WorkflowNumber: "SW-2026-000001"},
		{ID: "wf-2", WorkflowNumber: "SW-2026-000002"},
	}, 1, 20, 2)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "items")
	assert.Contains(t, decoded, "pagination")

	var meta map[string]any
	require.NoError(t, json.Unmarshal(decoded["pagination"], &meta))
	assert.Equal(t, float64(2), meta["total"])
	assert.Equal(t, float64(1), meta["total_page"])
	assert.Equal(t, float64(20), meta["page_size"])
}

func TestAPIResponseOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(APIResponse{Success: true, Data: map[string]string{"id": "wf-1"}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Contains(t, decoded, "data")
	assert.NotContains(t, decoded, "message")
	assert.NotContains(t, decoded, "error")
}

func TestErrorResponseWireFormat(t *testing.T) {
	raw, err := json.Marshal(ErrorResponse{Success: false, Message: "工作流不存在"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "工作流不存在", decoded["message"])
	assert.NotContains(t, decoded, "code")
}
