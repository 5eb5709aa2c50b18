package jsonutil_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IANTHEREAL/narrative-knowledge/internal/jsonutil"
)

type payload struct {
	Name string `json:"name"`
}

func TestExtract_FencedBlock(t *testing.T) {
	resp := "Here you go:\n```json\n{\"name\": \"alice\"}\n```\nthanks"
	var p payload
	require.NoError(t, jsonutil.Extract(resp, &p))
	assert.Equal(t, "alice", p.Name)
}

func TestExtract_BareJSON(t *testing.T) {
	var p payload
	require.NoError(t, jsonutil.Extract(`{"name": "bob"}`, &p))
	assert.Equal(t, "bob", p.Name)
}

func TestExtract_StripsControlCharacters(t *testing.T) {
	resp := "```json\n{\"name\": \"ca\x01rol\"}\n```"
	var p payload
	require.NoError(t, jsonutil.Extract(resp, &p))
	assert.Equal(t, "carol", p.Name)
}

func TestExtract_NoJSON(t *testing.T) {
	var p payload
	err := jsonutil.Extract("not json at all and no fences", &p)
	assert.Error(t, err)
}

type repairStub struct {
	response string
}

func (r repairStub) Generate(_ context.Context, _ string, _ int) (string, error) {
	return r.response, nil
}

func TestExtractWithRepair_SecondAttemptSucceeds(t *testing.T) {
	var p payload
	err := jsonutil.ExtractWithRepair(context.Background(), repairStub{response: `{"name": "dana"}`}, "garbled{{{", &p)
	require.NoError(t, err)
	assert.Equal(t, "dana", p.Name)
}

func TestExtractWithRepair_BothAttemptsFail(t *testing.T) {
	var p payload
	err := jsonutil.ExtractWithRepair(context.Background(), repairStub{response: "still not json"}, "garbled{{{", &p)
	assert.Error(t, err)
}
