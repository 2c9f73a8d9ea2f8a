package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/settlement"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSettleMajorUnits(t *testing.T) {
	out, err := runCmd(t, "settle", "100.00")
	require.NoError(t, err)

	var b settlement.Breakdown
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, int64(10_000), b.GrossAmount)
	assert.Equal(t, int64(1_200), b.PlatformFee)
	assert.Equal(t, int64(180), b.VATOnFee)
	assert.Equal(t, int64(176), b.WithholdingTax)
	assert.Equal(t, int64(8_444), b.NetPayout)
}

func TestSettleMinorUnits(t *testing.T) {
	out, err := runCmd(t, "settle", "--minor", "10000")
	require.NoError(t, err)

	var b settlement.Breakdown
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, int64(8_444), b.NetPayout)
}

func TestSettleRejectsBadAmounts(t *testing.T) {
	_, err := runCmd(t, "settle", "10.001")
	assert.Error(t, err)

	_, err = runCmd(t, "settle", "--minor", "--", "-5")
	assert.ErrorIs(t, err, settlement.ErrNegativeAmount)

	_, err = runCmd(t, "settle")
	assert.Error(t, err)
}
