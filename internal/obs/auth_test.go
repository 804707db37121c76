// SPDX-License-Identifier: MIT

package obs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAuthResponse(t *testing.T) {
	// Golden value for the v5 double-sha256 derivation.
	got := computeAuthResponse("supersecret", "salt123", "challenge456")
	assert.Equal(t, "V8pVriFPEtnaK7wzQPlqOgkXegTAwSevsIeJLiFx/Nw=", got)
}

func TestComputeAuthResponseDependsOnAllInputs(t *testing.T) {
	base := computeAuthResponse("pw", "salt", "challenge")
	assert.NotEqual(t, base, computeAuthResponse("pw2", "salt", "challenge"))
	assert.NotEqual(t, base, computeAuthResponse("pw", "salt2", "challenge"))
	assert.NotEqual(t, base, computeAuthResponse("pw", "salt", "challenge2"))
}

func TestMarshalEnvelope(t *testing.T) {
	raw, err := marshalEnvelope(opIdentify, identifyData{RPCVersion: 1})
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, opIdentify, env.Op)

	var id identifyData
	require.NoError(t, json.Unmarshal(env.D, &id))
	assert.Equal(t, 1, id.RPCVersion)
	assert.Empty(t, id.Authentication)

	// The auth field is omitted entirely when unauthenticated.
	assert.NotContains(t, string(env.D), "authentication")
}

func TestHelloDataAuthIsOptional(t *testing.T) {
	var plain helloData
	require.NoError(t, json.Unmarshal([]byte(`{"obsWebSocketVersion":"5.3.0","rpcVersion":1}`), &plain))
	assert.Nil(t, plain.Authentication)

	var secured helloData
	require.NoError(t, json.Unmarshal([]byte(`{
		"obsWebSocketVersion":"5.3.0",
		"rpcVersion":1,
		"authentication":{"challenge":"c","salt":"s"}
	}`), &secured))
	require.NotNil(t, secured.Authentication)
	assert.Equal(t, "c", secured.Authentication.Challenge)
	assert.Equal(t, "s", secured.Authentication.Salt)
}
