// Package turtle implements the graph_read(bytes) -> quads and
// graph_write(quads) -> bytes pair spec.md §1 treats as an external
// collaborator. No Turtle library appears anywhere in the retrieved
// corpus (pyaff4 itself delegates to rdflib), so this is a minimal but
// complete codec for the line-oriented subset this repository actually
// emits: one directive block, then one fully-qualified triple per line.
// It is deliberately not a general Turtle/N3 parser.
package turtle

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aff4/aff4container/internal/aff4err"
	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/urn"
)

const (
	xsdString   = "xsd:string"
	xsdInteger  = "xsd:integer"
	xsdDateTime = "xsd:dateTime"
	xsdHexBin   = "xsd:hexBinary"
)

var defaultDirectives = []string{
	"@prefix aff4: <" + rdfmodel.NS + "> .",
	"@prefix xsd: <http://www.w3.org/2001/XMLSchema#> .",
	"@prefix rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#> .",
}

// EncodeQuads serializes quads as Turtle text: a directive block, a blank
// line, then one "<subject> <predicate> object ." statement per quad.
// Callers are responsible for excluding GraphTransient facts and filtering
// volatile predicates before calling this (internal/resolver's job, per
// spec.md §4.1) — this function encodes exactly what it is given.
func EncodeQuads(quads []rdfmodel.Quad) []byte {
	var b strings.Builder
	for _, d := range defaultDirectives {
		b.WriteString(d)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	for _, q := range quads {
		b.WriteString(encodeStatement(q))
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func encodeStatement(q rdfmodel.Quad) string {
	return fmt.Sprintf("<%s> <%s> %s .", q.Subject, q.Predicate, encodeObject(q.Object))
}

func encodeObject(l rdfmodel.Literal) string {
	switch l.Kind {
	case rdfmodel.KindURN:
		return "<" + string(l.URN) + ">"
	case rdfmodel.KindInt:
		return fmt.Sprintf("%q^^%s", strconv.FormatInt(l.Int, 10), xsdInteger)
	case rdfmodel.KindString:
		return fmt.Sprintf("%q^^%s", l.Str, xsdString)
	case rdfmodel.KindDateTime:
		return fmt.Sprintf("%q^^%s", l.Time.UTC().Format(time.RFC3339Nano), xsdDateTime)
	case rdfmodel.KindBytes:
		return fmt.Sprintf("%q^^%s", fmt.Sprintf("%x", l.Bytes), xsdHexBin)
	case rdfmodel.KindHash:
		return fmt.Sprintf("%q^^xsd:hexBinary:%s", fmt.Sprintf("%x", l.Bytes), l.HashAlgo)
	default:
		return `""`
	}
}

// DecodeQuads parses text produced by EncodeQuads (and anything sharing
// its shape) back into quads, tagging every one with graph.
func DecodeQuads(data []byte, graph rdfmodel.Graph) ([]rdfmodel.Quad, error) {
	_, triples := SplitDirectivesAndTriples(string(data))
	var out []rdfmodel.Quad
	scanner := bufio.NewScanner(strings.NewReader(triples))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		q, err := decodeStatement(line, graph)
		if err != nil {
			return nil, fmt.Errorf("turtle: %w: %v", aff4err.ErrDecode, err)
		}
		out = append(out, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("turtle: %w: %v", aff4err.ErrDecode, err)
	}
	return out, nil
}

func decodeStatement(line string, graph rdfmodel.Graph) (rdfmodel.Quad, error) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ".")
	line = strings.TrimSpace(line)

	subj, rest, ok := cutAngle(line)
	if !ok {
		return rdfmodel.Quad{}, fmt.Errorf("missing subject in %q", line)
	}
	pred, rest, ok := cutAngle(strings.TrimSpace(rest))
	if !ok {
		return rdfmodel.Quad{}, fmt.Errorf("missing predicate in %q", line)
	}
	obj, err := decodeObject(strings.TrimSpace(rest))
	if err != nil {
		return rdfmodel.Quad{}, err
	}
	return rdfmodel.Quad{Graph: graph, Subject: urn.URN(subj), Predicate: pred, Object: obj}, nil
}

func cutAngle(s string) (inner, rest string, ok bool) {
	if !strings.HasPrefix(s, "<") {
		return "", s, false
	}
	idx := strings.Index(s, ">")
	if idx < 0 {
		return "", s, false
	}
	return s[1:idx], s[idx+1:], true
}

func decodeObject(s string) (rdfmodel.Literal, error) {
	if strings.HasPrefix(s, "<") {
		inner, _, ok := cutAngle(s)
		if !ok {
			return rdfmodel.Literal{}, fmt.Errorf("malformed URN object %q", s)
		}
		return rdfmodel.LitURN(urn.URN(inner)), nil
	}
	if !strings.HasPrefix(s, `"`) {
		return rdfmodel.Literal{}, fmt.Errorf("malformed literal object %q", s)
	}
	end := strings.LastIndex(s, `"^^`)
	if end < 0 {
		return rdfmodel.Literal{}, fmt.Errorf("literal missing datatype suffix %q", s)
	}
	quoted := s[:end+1]
	datatype := s[end+3:]
	value, err := strconv.Unquote(quoted)
	if err != nil {
		return rdfmodel.Literal{}, fmt.Errorf("unquoting literal %q: %w", quoted, err)
	}

	switch {
	case datatype == xsdInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return rdfmodel.Literal{}, err
		}
		return rdfmodel.LitInt(n), nil
	case datatype == xsdDateTime:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return rdfmodel.Literal{}, err
		}
		return rdfmodel.LitDateTime(t), nil
	case datatype == xsdHexBin:
		b, err := hexDecode(value)
		if err != nil {
			return rdfmodel.Literal{}, err
		}
		return rdfmodel.LitBytes(b), nil
	case strings.HasPrefix(datatype, "xsd:hexBinary:"):
		algo := strings.TrimPrefix(datatype, "xsd:hexBinary:")
		b, err := hexDecode(value)
		if err != nil {
			return rdfmodel.Literal{}, err
		}
		return rdfmodel.LitHash(algo, b), nil
	default:
		return rdfmodel.LitString(value), nil
	}
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		var v int
		if _, err := fmt.Sscanf(s[2*i:2*i+2], "%02x", &v); err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// SplitDirectivesAndTriples separates the leading "@prefix ..." block from
// the triple statements that follow the first blank line, mirroring
// pyaff4/turtle.py's toDirectivesAndTriples (used by append-mode containers
// to avoid re-emitting directives on every fragment).
func SplitDirectivesAndTriples(text string) (directives, triples string) {
	var dLines, tLines []string
	inDirectives := true
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if inDirectives {
			if strings.HasPrefix(line, "@") {
				dLines = append(dLines, line)
				continue
			} else if line == "" {
				inDirectives = false
				continue
			}
		}
		tLines = append(tLines, line)
	}
	return strings.Join(dLines, "\r\n"), strings.Join(tLines, "\r\n")
}

// Difference returns the lines present in a but not in b, the way
// pyaff4/turtle.py's difference() finds the new triples contributed by an
// append-mode fragment.
func Difference(a, b string) []string {
	bSet := make(map[string]struct{})
	for _, line := range strings.Split(b, "\r\n") {
		bSet[line] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(a, "\r\n") {
		if _, inB := bSet[line]; inB {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
