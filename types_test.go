package dragonflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionResult_JSONCarriesExecutionTime(t *testing.T) {
	res := &ExecutionResult{
		TaskID:        "t1",
		Success:       true,
		RetryCount:    1,
		ExecutionTime: 1500 * time.Millisecond,
		Error:         NewTimeoutError("attempt", time.Second),
	}

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1500.0, doc["executionTimeMs"])
	assert.Equal(t, "t1", doc["taskId"])
	assert.NotContains(t, doc, "ExecutionTime")

	var back ExecutionResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 1500*time.Millisecond, back.ExecutionTime)
	assert.Equal(t, 1, back.RetryCount)
	assert.Equal(t, ErrCodeTimeout, back.Error.Code)
}
