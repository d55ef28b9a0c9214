package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Term formatting
// ---------------------------------------------------------------------------

// String renders a term for crash reports and console output. The
// notation follows the runtime's literal syntax: tuples in braces, maps
// as #{K => V}, binaries as <<...>>, improper tails after a bar.
func (t Term) String() string {
	var b strings.Builder
	t.format(&b)
	return b.String()
}

func (t Term) format(b *strings.Builder) {
	switch t.Kind {
	case TermInt:
		b.WriteString(strconv.FormatInt(t.Int, 10))
	case TermBig:
		b.WriteString(t.Big.String())
	case TermFloat:
		b.WriteString(strconv.FormatFloat(t.Float, 'g', -1, 64))
	case TermAtom:
		b.WriteString(t.Atom)
	case TermNil:
		b.WriteString("[]")
	case TermTuple:
		b.WriteByte('{')
		for i, e := range t.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			e.format(b)
		}
		b.WriteByte('}')
	case TermList:
		b.WriteByte('[')
		for i, e := range t.Elems {
			if i > 0 {
				b.WriteByte(',')
			}
			e.format(b)
		}
		if t.Tail != nil {
			b.WriteByte('|')
			t.Tail.format(b)
		}
		b.WriteByte(']')
	case TermMap:
		b.WriteString("#{")
		for i := 0; i+1 < len(t.Elems); i += 2 {
			if i > 0 {
				b.WriteByte(',')
			}
			t.Elems[i].format(b)
			b.WriteString(" => ")
			t.Elems[i+1].format(b)
		}
		b.WriteByte('}')
	case TermBinary:
		b.WriteString("<<")
		for i, by := range t.Bytes {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(int(by)))
		}
		b.WriteString(">>")
	case TermPid:
		b.WriteString("<0.")
		b.WriteString(strconv.FormatInt(t.Int, 10))
		b.WriteString(".0>")
	case TermPort:
		b.WriteString("#Port<")
		b.WriteString(strconv.FormatInt(t.Int, 10))
		b.WriteByte('>')
	case TermRef:
		b.WriteString("#Ref<")
		b.WriteString(strconv.FormatInt(t.Int, 10))
		b.WriteByte('>')
	case TermClosure:
		b.WriteString("#Fun<")
		b.WriteString(strconv.FormatInt(t.Int>>32, 10))
		b.WriteByte('.')
		b.WriteString(strconv.FormatInt(int64(uint32(uint64(t.Int))), 10))
		b.WriteByte('>')
	default:
		b.WriteString("?")
	}
}
