package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedABIsParse(t *testing.T) {
	factory := MustParseABI(FactoryABI)
	for _, name := range []string{"newSplitter", "releaseAll", "releaseAllTokens"} {
		_, ok := factory.Methods[name]
		assert.True(t, ok, name)
	}
	assert.True(t, factory.Methods["newSplitter"].IsPayable())

	splitter := MustParseABI(SplitterABI)
	assert.True(t, splitter.HasReceive())
	assert.Contains(t, splitter.Methods, "totalShares")

	token := MustParseABI(TokenABI)
	assert.Contains(t, token.Methods, "balanceOf")
}

func TestLoadArtifact(t *testing.T) {
	dir := t.TempDir()
	doc := `{"contractName":"PaymentSplitterFactory","abi":` + FactoryABI + `,"bytecode":"6001600c60003960016000f300"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FactoryName+".json"), []byte(doc), 0o600))

	art, err := LoadArtifact(dir, FactoryName)
	require.NoError(t, err)
	assert.Equal(t, FactoryName, art.Name)
	assert.Len(t, art.Bytecode, 13)
	assert.NoError(t, art.Deployable())
	assert.Contains(t, art.ABI.Methods, "releaseAll")
}

func TestParseArtifactWithoutBytecode(t *testing.T) {
	art, err := ParseArtifact("IFace", []byte(`{"abi":[],"bytecode":""}`))
	require.NoError(t, err)
	assert.ErrorIs(t, art.Deployable(), ErrNoBytecode)
}

func TestParseArtifactRejectsUnlinked(t *testing.T) {
	_, err := ParseArtifact("Lib", []byte(`{"abi":[],"bytecode":"6080__$abc$__"}`))
	assert.Error(t, err)
}

func TestLoadArtifactMissing(t *testing.T) {
	_, err := LoadArtifact(t.TempDir(), TokenName)
	assert.Error(t, err)
}
