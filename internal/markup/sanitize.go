// Package markup converts arbitrary model-produced markup into the subset of
// HTML accepted by the Telegram Bot API ("parse_mode": "HTML").
//
// The converter is a hand-rolled scanner with an explicit stack of open tags.
// A generic HTML parser is not used because the safe-subset rules (conditional
// attribute requirements, script/style removal, entity pass-through) do not
// match a parser's error recovery. The output is always balanced, contains
// only whitelisted tags and attributes, and is stable under re-sanitizing.
package markup

import "strings"

type ruleKind int

const (
	// ruleAny accepts any non-nil value.
	ruleAny ruleKind = iota + 1
	// ruleFlag is a boolean attribute; its value is discarded.
	ruleFlag
	// rulePrefix accepts values starting with a fixed literal.
	rulePrefix
	// ruleEnum accepts one of a fixed set of values.
	ruleEnum
)

type attrRule struct {
	kind   ruleKind
	prefix string
	values []string
}

type tagRule struct {
	attrs map[string]attrRule
	// required names an attribute that must be emitted with a non-empty
	// value for the tag itself to be emitted.
	required string
}

var (
	plain         = tagRule{}
	languageClass = attrRule{kind: rulePrefix, prefix: "language-"}
)

// whitelist is the Telegram HTML vocabulary.
var whitelist = map[string]tagRule{
	"b": plain, "strong": plain,
	"i": plain, "em": plain,
	"u": plain, "ins": plain,
	"s": plain, "strike": plain, "del": plain,
	"pre":        plain,
	"tg-spoiler": plain,
	"span": {
		attrs:    map[string]attrRule{"class": {kind: ruleEnum, values: []string{"tg-spoiler"}}},
		required: "class",
	},
	"a": {
		attrs:    map[string]attrRule{"href": {kind: ruleAny}},
		required: "href",
	},
	"code": {
		attrs: map[string]attrRule{"class": languageClass},
	},
	"blockquote": {
		attrs: map[string]attrRule{"expandable": {kind: ruleFlag}},
	},
	"tg-emoji": {
		attrs:    map[string]attrRule{"emoji-id": {kind: ruleAny}},
		required: "emoji-id",
	},
}

// lineBreakTag is dropped from the output and replaced with a newline.
const lineBreakTag = "br"

// namedEntities are passed through unchanged.
var namedEntities = map[string]bool{
	"&lt;": true, "&gt;": true, "&amp;": true, "&quot;": true,
}

// IsAllowedTag reports whether name (lowercase) is in the whitelist.
func IsAllowedTag(name string) bool {
	_, ok := whitelist[name]
	return ok
}

// IsAllowedAttr reports whether attr (lowercase) may appear on tag.
func IsAllowedAttr(tag, attr string) bool {
	r, ok := whitelist[tag]
	if !ok {
		return false
	}
	_, ok = r.attrs[attr]
	return ok
}

// Sanitize returns text rewritten into the safe subset. It is deterministic
// and idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(text string) string {
	s := &scanner{src: text}
	s.out.Grow(len(text) + len(text)/8)
	s.run()
	return s.out.String()
}

type openTag struct {
	name    string
	allowed bool
}

type scanner struct {
	src   string
	pos   int
	out   strings.Builder
	stack []openTag
}

func (s *scanner) run() {
	for s.pos < len(s.src) {
		switch c := s.src[s.pos]; c {
		case '<':
			s.tag()
		case '&':
			s.ampersand()
		case '>':
			s.out.WriteString("&gt;")
			s.pos++
		default:
			s.out.WriteByte(c)
			s.pos++
		}
	}

	for len(s.stack) > 0 {
		s.pop()
	}
}

// literalLT emits an escaped '<' and advances past it.
func (s *scanner) literalLT() {
	s.out.WriteString("&lt;")
	s.pos++
}

// tagEnd returns the index of the '>' closing the construct starting at
// s.pos, or -1.
func (s *scanner) tagEnd() int {
	i := strings.IndexByte(s.src[s.pos:], '>')
	if i < 0 {
		return -1
	}
	return s.pos + i
}

func (s *scanner) tag() {
	if s.pos+1 >= len(s.src) {
		s.literalLT()
		return
	}
	switch next := s.src[s.pos+1]; {
	case next == '!' || next == '?':
		end := s.tagEnd()
		if end < 0 {
			s.literalLT()
			return
		}
		s.pos = end + 1
	case next == '/':
		s.closingTag()
	case isASCIILetter(next):
		s.openingTag()
	default:
		s.literalLT()
	}
}

func (s *scanner) closingTag() {
	end := s.tagEnd()
	if end < 0 {
		s.literalLT()
		return
	}
	s.pos = end + 1

	// Any close pops the top of the stack. The close's own name is not
	// echoed; the popped tag's close is emitted instead so output stays
	// balanced.
	if len(s.stack) > 0 {
		s.pop()
	}
}

// pop removes the top of the stack, emitting its close when allowed.
func (s *scanner) pop() {
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	if top.allowed {
		s.out.WriteString("</")
		s.out.WriteString(top.name)
		s.out.WriteByte('>')
	}
}

func (s *scanner) openingTag() {
	end := s.tagEnd()
	if end < 0 {
		s.literalLT()
		return
	}
	content := s.src[s.pos+1 : end]
	s.pos = end + 1

	selfClosing := strings.HasSuffix(content, "/")
	if selfClosing {
		content = strings.TrimSpace(content[:len(content)-1])
	}
	name, attrText := splitTagContent(content)

	if name == "script" || name == "style" {
		if !selfClosing {
			s.skipRawText(name)
		}
		return
	}

	rule, known := whitelist[name]
	if !known {
		if name == lineBreakTag {
			s.out.WriteByte('\n')
			return
		}
		if !selfClosing {
			s.stack = append(s.stack, openTag{name: name})
		}
		return
	}

	attrs, allowed := s.filterAttrs(name, rule, parseAttrs(attrText))
	if allowed {
		s.out.WriteByte('<')
		s.out.WriteString(name)
		for _, a := range attrs {
			s.out.WriteByte(' ')
			s.out.WriteString(a)
		}
		s.out.WriteByte('>')
		if selfClosing {
			s.out.WriteString("</")
			s.out.WriteString(name)
			s.out.WriteByte('>')
		}
	}
	if !selfClosing {
		s.stack = append(s.stack, openTag{name: name, allowed: allowed})
	}
}

// skipRawText drops everything up to and including the matching close tag.
// When the close tag is missing only the opening tag is dropped.
func (s *scanner) skipRawText(name string) {
	closer := "</" + name + ">"
	if i := indexFold(s.src[s.pos:], closer); i >= 0 {
		s.pos += i + len(closer)
	}
}

// filterAttrs applies rule to parsed attributes and returns the rendered
// attributes plus whether the tag may be emitted at all.
func (s *scanner) filterAttrs(tag string, rule tagRule, parsed []attr) ([]string, bool) {
	var out []string
	seen := make(map[string]bool, len(parsed))
	requiredOK := rule.required == ""

	for _, a := range parsed {
		r, ok := rule.attrs[a.name]
		if !ok || seen[a.name] {
			continue
		}
		if tag == "code" && a.name == "class" && !s.insidePre() {
			continue
		}

		var rendered string
		switch r.kind {
		case ruleAny:
			if a.value == nil {
				continue
			}
			rendered = a.name + `="` + escapeAttr(*a.value) + `"`
		case ruleFlag:
			rendered = a.name
		case rulePrefix:
			if a.value == nil || !strings.HasPrefix(*a.value, r.prefix) {
				continue
			}
			rendered = a.name + `="` + escapeAttr(*a.value) + `"`
		case ruleEnum:
			if a.value == nil || !contains(r.values, *a.value) {
				continue
			}
			rendered = a.name + `="` + escapeAttr(*a.value) + `"`
		default:
			continue
		}

		seen[a.name] = true
		out = append(out, rendered)
		if a.name == rule.required && a.value != nil && *a.value != "" {
			requiredOK = true
		}
	}
	return out, requiredOK
}

func (s *scanner) insidePre() bool {
	for _, t := range s.stack {
		if t.name == "pre" && t.allowed {
			return true
		}
	}
	return false
}

func (s *scanner) ampersand() {
	if n := entityLen(s.src[s.pos:]); n > 0 {
		s.out.WriteString(s.src[s.pos : s.pos+n])
		s.pos += n
		return
	}
	s.out.WriteString("&amp;")
	s.pos++
}

// entityLen returns the length of the pass-through entity at the start of
// text, or 0 when text does not start with one.
func entityLen(text string) int {
	semi := strings.IndexByte(text, ';')
	if semi < 0 {
		return 0
	}
	entity := text[:semi+1]
	if namedEntities[entity] {
		return len(entity)
	}
	num, ok := strings.CutPrefix(entity[:semi], "&#")
	if !ok || num == "" {
		return 0
	}
	if num[0] == 'x' || num[0] == 'X' {
		hex := num[1:]
		if hex == "" || !allBytes(hex, isHexDigit) {
			return 0
		}
		return len(entity)
	}
	if !allBytes(num, isDigit) {
		return 0
	}
	return len(entity)
}

// escapeAttr escapes an attribute value for a double-quoted context. Valid
// entities are kept so that escaping is stable.
func escapeAttr(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); {
		switch c := v[i]; c {
		case '&':
			if n := entityLen(v[i:]); n > 0 {
				b.WriteString(v[i : i+n])
				i += n
				continue
			}
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		default:
			b.WriteByte(c)
		}
		i++
	}
	return b.String()
}

type attr struct {
	name  string
	value *string
}

// parseAttrs splits the attribute text of a tag into name/value pairs.
// Names are lowercased. A value is nil when the attribute has no '='.
func parseAttrs(text string) []attr {
	var attrs []attr
	i := 0
	for i < len(text) {
		if isSpace(text[i]) {
			i++
			continue
		}
		start := i
		for i < len(text) && !isSpace(text[i]) && text[i] != '=' {
			i++
		}
		name := strings.ToLower(text[start:i])
		for i < len(text) && isSpace(text[i]) {
			i++
		}

		var value *string
		if i < len(text) && text[i] == '=' {
			i++
			for i < len(text) && isSpace(text[i]) {
				i++
			}
			v := ""
			switch {
			case i >= len(text):
			case text[i] == '"' || text[i] == '\'':
				quote := text[i]
				i++
				vs := i
				for i < len(text) && text[i] != quote {
					i++
				}
				v = text[vs:i]
				if i < len(text) {
					i++
				}
			default:
				vs := i
				for i < len(text) && !isSpace(text[i]) {
					i++
				}
				v = text[vs:i]
			}
			value = &v
		}
		attrs = append(attrs, attr{name: name, value: value})
	}
	return attrs
}

// splitTagContent returns the lowercased tag name and the attribute text.
func splitTagContent(content string) (name, attrs string) {
	content = strings.TrimLeft(content, " \t\r\n\f")
	i := 0
	for i < len(content) && !isSpace(content[i]) {
		i++
	}
	return strings.ToLower(content[:i]), content[i:]
}

// indexFold is strings.Index with ASCII case folding. substr must be ASCII.
func indexFold(s, substr string) int {
	n := len(substr)
outer:
	for i := 0; i+n <= len(s); i++ {
		for j := 0; j < n; j++ {
			if lowerASCII(s[i+j]) != lowerASCII(substr[j]) {
				continue outer
			}
		}
		return i
	}
	return -1
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func allBytes(s string, pred func(byte) bool) bool {
	for i := 0; i < len(s); i++ {
		if !pred(s[i]) {
			return false
		}
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
