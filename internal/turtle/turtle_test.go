package turtle

import (
	"testing"
	"time"

	"github.com/aff4/aff4container/internal/rdfmodel"
	"github.com/aff4/aff4container/internal/urn"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllLiteralKinds(t *testing.T) {
	subj := urn.URN("aff4://subject-1")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	quads := []rdfmodel.Quad{
		{Graph: rdfmodel.GraphPersistent, Subject: subj, Predicate: rdfmodel.PredType, Object: rdfmodel.LitURN(urn.URN(rdfmodel.TypeImage))},
		{Graph: rdfmodel.GraphPersistent, Subject: subj, Predicate: rdfmodel.PredChunkSize, Object: rdfmodel.LitInt(32768)},
		{Graph: rdfmodel.GraphPersistent, Subject: subj, Predicate: rdfmodel.PredOriginalFileName, Object: rdfmodel.LitString("/a.txt")},
		{Graph: rdfmodel.GraphPersistent, Subject: subj, Predicate: rdfmodel.PredLastWritten, Object: rdfmodel.LitDateTime(now)},
		{Graph: rdfmodel.GraphPersistent, Subject: subj, Predicate: rdfmodel.PredSalt, Object: rdfmodel.LitBytes([]byte{0xde, 0xad, 0xbe, 0xef})},
		{Graph: rdfmodel.GraphPersistent, Subject: subj, Predicate: rdfmodel.PredHash, Object: rdfmodel.LitHash("SHA512", []byte{0x01, 0x02})},
	}

	encoded := EncodeQuads(quads)
	decoded, err := DecodeQuads(encoded, rdfmodel.GraphPersistent)
	require.NoError(t, err)
	require.Len(t, decoded, len(quads))
	for i, q := range quads {
		require.Equal(t, q.Subject, decoded[i].Subject)
		require.Equal(t, q.Predicate, decoded[i].Predicate)
		require.True(t, q.Object.Equal(decoded[i].Object), "quad %d: %+v != %+v", i, q.Object, decoded[i].Object)
	}
}

func TestSplitDirectivesAndTriples(t *testing.T) {
	text := "@prefix aff4: <http://aff4.org/Schema#> .\r\n\r\n<a> <b> <c> .\r\n<d> <e> <f> ."
	directives, triples := SplitDirectivesAndTriples(text)
	require.Equal(t, "@prefix aff4: <http://aff4.org/Schema#> .", directives)
	require.Equal(t, "<a> <b> <c> .\r\n<d> <e> <f> .", triples)
}

func TestDifference(t *testing.T) {
	a := "x\r\ny\r\nz"
	b := "y\r\nz"
	require.Equal(t, []string{"x"}, Difference(a, b))
}
