package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-relay/work/config"
)

const target = "http://origin.example/live/index.m3u8?token=a&b=c"

func TestDefaultOrderAndRewrite(t *testing.T) {
	d := Default()
	require.Equal(t, 3, d.Len())
	assert.Equal(t, []string{"corsproxy.io", "allorigins", "cors.sh"}, d.Names())

	list := d.ListProxies()
	assert.Equal(t,
		"https://corsproxy.io/?http%3A%2F%2Forigin.example%2Flive%2Findex.m3u8%3Ftoken%3Da%26b%3Dc",
		d.Rewrite(list[0], target))
	assert.Equal(t,
		"https://api.allorigins.win/raw?url=http%3A%2F%2Forigin.example%2Flive%2Findex.m3u8%3Ftoken%3Da%26b%3Dc",
		d.Rewrite(list[1], target))
	assert.Equal(t, "https://proxy.cors.sh/"+target, d.Rewrite(list[2], target))

	assert.Equal(t, "corsproxy.io", list[0].Host())
	assert.Equal(t, "proxy.cors.sh", list[2].Host())
}

func TestRewriteIsDeterministic(t *testing.T) {
	d := Default()
	for _, p := range d.ListProxies() {
		assert.Equal(t, p.Rewrite(target), p.Rewrite(target))
	}
}

func TestListProxiesReturnsCopy(t *testing.T) {
	d := Default()
	list := d.ListProxies()
	list[0] = NewDescriptor("evil", "", nil)

	first, ok := d.At(0)
	require.True(t, ok)
	assert.Equal(t, "corsproxy.io", first.Name)
}

func TestAtOutOfRange(t *testing.T) {
	d := New()
	_, ok := d.At(0)
	assert.False(t, ok)
	_, ok = Default().At(-1)
	assert.False(t, ok)
}

func TestFromConfigValidation(t *testing.T) {
	_, err := FromConfig([]config.ProxyConfig{{Name: "x", Template: "https://p.example/"}})
	require.Error(t, err)

	_, err = FromConfig([]config.ProxyConfig{{Name: "x", Template: "{url}"}})
	require.Error(t, err)

	_, err = FromConfig([]config.ProxyConfig{{Name: "x", Template: "https://p.example/{url}", Bypass: "("}})
	require.Error(t, err)

	d, err := FromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
}

func TestBypass(t *testing.T) {
	d, err := FromConfig([]config.ProxyConfig{{Template: "https://p.example/{url}", Bypass: `^https://cdn\.trusted\.example/`}})
	require.NoError(t, err)

	p, _ := d.At(0)
	assert.Equal(t, "Proxy_1", p.Name)
	assert.True(t, p.Bypasses("https://cdn.trusted.example/seg1.ts"))
	assert.False(t, p.Bypasses(target))
}
