package markup

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"escapes stray markup", "Hello <strong>world</strong> & 2 < 3!", "Hello <strong>world</strong> &amp; 2 &lt; 3!"},
		{"code class outside pre", `<code class="language-python">x<10</code>`, "<code>x&lt;10</code>"},
		{"code class inside pre", `<pre><code class="language-go">fmt.Println()</code></pre>`, `<pre><code class="language-go">fmt.Println()</code></pre>`},
		{"code class wrong prefix", `<pre><code class="lang-go">x</code></pre>`, "<pre><code>x</code></pre>"},
		{"spoiler span", `<span class="tg-spoiler">secret</span>`, `<span class="tg-spoiler">secret</span>`},
		{"span without spoiler class", `<span class="red">x</span>`, "x"},
		{"spoiler tag", "<tg-spoiler>x</tg-spoiler>", "<tg-spoiler>x</tg-spoiler>"},
		{"link keeps href", `<a href="https://example.com/?a=1&b=2" target="_blank">x</a>`, `<a href="https://example.com/?a=1&amp;b=2">x</a>`},
		{"link without href", "<a>x</a>", "x"},
		{"link empty href", `<a href="">x</a>`, "x"},
		{"uppercase tags", "<B>bold</B>", "<b>bold</b>"},
		{"unknown tag dropped", "<div>text</div>", "text"},
		{"line break", "a<br>b<br/>c", "a\nb\nc"},
		{"script removed", "a<script>alert('x')</script>b", "ab"},
		{"style removed mixed case", "a<STYLE>p{}</Style>b", "ab"},
		{"script without close", "a<script>b", "ab"},
		{"comment skipped", "a<!-- hi -->b<?xml?>c", "abc"},
		{"unclosed at end", "<b><i>x", "<b><i>x</i></b>"},
		{"mismatched close", "<b><i>x</b>y", "<b><i>x</i>y</b>"},
		{"stray close", "x</b>", "x"},
		{"close of disallowed inside allowed", "<b><div>x</b>y", "<b>xy</b>"},
		{"named entities", "&lt;&gt;&amp;&quot;", "&lt;&gt;&amp;&quot;"},
		{"unknown named entity", "&nbsp;", "&amp;nbsp;"},
		{"numeric entities", "&#65;&#x41;&#X4a;", "&#65;&#x41;&#X4a;"},
		{"bad numeric entity", "&#;&#x;&#1a;", "&amp;#;&amp;#x;&amp;#1a;"},
		{"bare greater than", "a > b", "a &gt; b"},
		{"lt at end", "a<", "a&lt;"},
		{"lt without close", "a<b c", "a&lt;b c"},
		{"self closing allowed", "<b/>x", "<b></b>x"},
		{"blockquote flag", `<blockquote expandable="yes">q</blockquote>`, "<blockquote expandable>q</blockquote>"},
		{"emoji", `<tg-emoji emoji-id="5368324170671202286">👍</tg-emoji>`, `<tg-emoji emoji-id="5368324170671202286">👍</tg-emoji>`},
		{"emoji without id", "<tg-emoji>👍</tg-emoji>", "👍"},
		{"duplicate attribute", `<a href="x" href="y">l</a>`, `<a href="x">l</a>`},
		{"attribute escaping", `<a href='say "hi" <now>'>l</a>`, `<a href="say &quot;hi&quot; &lt;now">'&gt;l</a>`},
		{"unicode passthrough", "привет <i>мир</i>", "привет <i>мир</i>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

var corpus = []string{
	"",
	"plain",
	"Hello <strong>world</strong> & 2 < 3!",
	`<code class="language-python">x<10</code>`,
	`<pre><code class="language-go">a && b</code></pre>`,
	"<b><i>unbalanced",
	"</i></b>closers first",
	"<b><div><i>x</b></div></i>",
	`<a href="javascript:&foo">x</a>`,
	`<a href=unquoted>x</a>`,
	`<a href="a&amp;b&#38;c&#x26;">x</a>`,
	"<script>x</script><style>y</style>",
	"<scr<script>ipt>alert(1)</script>",
	"&&amp;&lt;&#;&#x1F600;&#99999;",
	"<<b>>",
	"< b>",
	"<b/><i/>",
	"<!doctype html><html><body><p>para</p></body></html>",
	`<span class="tg-spoiler"><span>nested</span></span>`,
	`<blockquote expandable>q</blockquote>`,
	"**markdown** _not_ html",
	"a\nb\r\nc",
	"<pre>x<code class=\"language-x\">y</code></pre><code class=\"language-x\">z</code>",
}

func TestSanitizeIdempotent(t *testing.T) {
	for _, in := range corpus {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
	}
}

var tagPattern = regexp.MustCompile(`<(/?)([^\s>/]+)([^>]*)>`)
var attrPattern = regexp.MustCompile(`([a-z-]+)(?:="[^"]*")?`)

func TestSanitizeOutputSafe(t *testing.T) {
	for _, in := range corpus {
		checkSafe(t, in, Sanitize(in))
	}
}

// checkSafe reports disallowed tags or attributes and unbalanced tags in out.
func checkSafe(t testing.TB, in, out string) {
	t.Helper()
	var stack []string
	for _, m := range tagPattern.FindAllStringSubmatch(out, -1) {
		closing, name, attrs := m[1] == "/", m[2], m[3]
		if !IsAllowedTag(name) {
			t.Errorf("input %q: disallowed tag %q in %q", in, name, out)
			continue
		}
		if closing {
			if len(stack) == 0 || stack[len(stack)-1] != name {
				t.Errorf("input %q: unbalanced close %q in %q", in, name, out)
				continue
			}
			stack = stack[:len(stack)-1]
			continue
		}
		for _, am := range attrPattern.FindAllStringSubmatch(strings.TrimSpace(attrs), -1) {
			if !IsAllowedAttr(name, am[1]) {
				t.Errorf("input %q: disallowed attribute %q on %q", in, am[1], name)
			}
		}
		stack = append(stack, name)
	}
	if len(stack) != 0 {
		t.Errorf("input %q: unclosed tags %v in %q", in, stack, out)
	}
}

func FuzzSanitize(f *testing.F) {
	for _, in := range corpus {
		f.Add(in)
	}
	f.Add("<b><i>x</b></i>")
	f.Add("<a href=\"x\" onclick=\"y\">z")
	f.Add("&amp;&#x1F600;&bogus;<")
	f.Fuzz(func(t *testing.T, in string) {
		once := Sanitize(in)
		if twice := Sanitize(once); twice != once {
			t.Fatalf("not idempotent for %q:\n once: %q\ntwice: %q", in, once, twice)
		}
		checkSafe(t, in, once)
	})
}

func TestSanitizeNoRawMarkupOutsideTags(t *testing.T) {
	for _, in := range corpus {
		out := Sanitize(in)
		rest := tagPattern.ReplaceAllString(out, "")
		if strings.ContainsAny(rest, "<>") {
			t.Errorf("input %q: raw angle bracket in %q", in, out)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	assert.True(t, IsAllowedTag("b"))
	assert.False(t, IsAllowedTag("div"))
	assert.False(t, IsAllowedTag("br"))
	assert.True(t, IsAllowedAttr("a", "href"))
	assert.True(t, IsAllowedAttr("code", "class"))
	assert.False(t, IsAllowedAttr("a", "onclick"))
	assert.False(t, IsAllowedAttr("div", "class"))
}
