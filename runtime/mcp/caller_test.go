package mcp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhanglunet/agent-society/runtime/mcp"
)

func TestErrorMessage(t *testing.T) {
	err := &mcp.Error{Code: mcp.JSONRPCInvalidParams, Message: "bad args"}
	assert.Equal(t, "bad args", err.Error())
}

func TestErrorNilIsSafe(t *testing.T) {
	var err *mcp.Error
	assert.Equal(t, "", err.Error())
}
