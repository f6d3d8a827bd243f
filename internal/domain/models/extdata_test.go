package models

import (
	"encoding/json"
	"testing"

	"github.com/eldorplus/pki/pkg/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtDataTypedAccessors(t *testing.T) {
	ext := ExtData{}
	ext.SetString(constants.ExtSecurityDataAlgorithm, "AES")
	ext.SetInt(constants.ExtSecurityDataStrength, 128)
	ext.SetBool(constants.ExtNetkeyArchive, true)
	ext.SetBytes(constants.ExtSessionKey, []byte{1, 2, 3})

	alg, ok := ext.GetString(constants.ExtSecurityDataAlgorithm)
	assert.True(t, ok)
	assert.Equal(t, "AES", alg)

	n, ok := ext.GetInt(constants.ExtSecurityDataStrength)
	assert.True(t, ok)
	assert.EqualValues(t, 128, n)

	s, ok := ext.GetString(constants.ExtSecurityDataStrength)
	assert.True(t, ok)
	assert.Equal(t, "128", s)

	assert.True(t, ext.GetBool(constants.ExtNetkeyArchive))
	assert.False(t, ext.GetBool(constants.ExtDelayCommit))

	_, ok = ext.GetBytes(constants.ExtSecurityDataAlgorithm)
	assert.False(t, ok, "string value must not read as bytes")
}

func TestExtDataCloneIsDeep(t *testing.T) {
	ext := ExtData{}
	ext.SetBytes(constants.ExtSecurityData, []byte("secret"))
	ext.SetCerts(constants.ExtIssuedCerts, [][]byte{{0x30}, nil})

	clone := ext.Clone()
	b, _ := clone.GetBytes(constants.ExtSecurityData)
	b[0] = 'X'

	orig, _ := ext.GetBytes(constants.ExtSecurityData)
	assert.Equal(t, "secret", string(orig))

	ders, ok := clone.GetCertDERs(constants.ExtIssuedCerts)
	require.True(t, ok)
	assert.Len(t, ders, 2)
	assert.Nil(t, ders[1])
}

func TestExtDataJSONRejectsUnknownKeys(t *testing.T) {
	ext := ExtData{}
	ext.SetString(constants.ExtKey("NOT_A_KEY"), "x")
	_, err := json.Marshal(ext)
	assert.Error(t, err)

	var decoded ExtData
	err = json.Unmarshal([]byte(`{"bogus":{"k":"string","s":"x"}}`), &decoded)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"RESULT":{"k":"float","s":"x"}}`), &decoded)
	assert.Error(t, err)
}

func TestExtDataJSONPreservesVariants(t *testing.T) {
	ext := ExtData{}
	ext.SetInt(constants.ExtResult, constants.ResultSuccess)
	ext.SetString(constants.ExtError, "")
	ext.SetCert(constants.ExtOldCerts, []byte{0x30, 0x01})

	raw, err := json.Marshal(ext)
	require.NoError(t, err)

	var decoded ExtData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, KindInt, decoded[constants.ExtResult].Kind())
	assert.Equal(t, KindString, decoded[constants.ExtError].Kind())
	assert.Equal(t, KindCert, decoded[constants.ExtOldCerts].Kind())
	assert.True(t, decoded.Has(constants.ExtError))
}
