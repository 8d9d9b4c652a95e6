package msgid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "<a1>", Normalize("<a1>"))
	assert.Equal(t, "<a1@host>", Normalize("  a1@host "))
	assert.Equal(t, "<a1@host>", Normalize(`"<a1@host>"`))
	assert.Equal(t, "<a1@host>", Normalize(`<"a1@host">`))
	assert.Equal(t, "<a1@host>", Normalize(` " <a1@host> " `))
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "", Normalize("<>"))
	assert.Equal(t, "", Normalize("two words"))
}

func TestParseList(t *testing.T) {
	ids := ParseList("<m1@x> <m2@x>\r\n <m3@x>")
	require.Equal(t, []string{"<m1@x>", "<m2@x>", "<m3@x>"}, ids)

	ids = ParseList("m1 m2", "<m2>", "<m3>")
	require.Equal(t, []string{"<m1>", "<m2>", "<m3>"}, ids)

	require.Empty(t, ParseList("", "   "))
}

func TestParseListKeepsLastOccurrence(t *testing.T) {
	ids := ParseList("<root@x> <m1@x> <m2@x> <m1@x>")
	require.Equal(t, []string{"<root@x>", "<m2@x>", "<m1@x>"}, ids)
	assert.Equal(t, "<m1@x>", Last(ids))
}

func TestLast(t *testing.T) {
	assert.Equal(t, "", Last(nil))
	assert.Equal(t, "<m2>", Last([]string{"<m1>", "<m2>"}))
}

func TestChain(t *testing.T) {
	assert.Equal(t, []string{"<m1>", "<m2>"}, Chain([]string{"<m1>"}, "m2"))
	assert.Equal(t, []string{"<m1>", "<m2>"}, Chain([]string{"<m1>", "<m2>"}, "<m2>"))
	assert.Equal(t, []string{"<m1>"}, Chain([]string{"<m1>"}, ""))
}

func TestGenerate(t *testing.T) {
	id := Generate("mail.talentdesk.io")
	require.True(t, strings.HasPrefix(id, "<"))
	require.True(t, strings.HasSuffix(id, "@mail.talentdesk.io>"))
	require.Equal(t, id, Normalize(id))
	require.NotEqual(t, id, Generate("mail.talentdesk.io"))
	require.True(t, strings.HasSuffix(Generate(""), "@talentdesk.local>"))
}

func TestStrip(t *testing.T) {
	assert.Equal(t, "a1@host", Strip("<a1@host>"))
}
