package qdrant

import (
	"reflect"
	"testing"
)

func TestEncodeSparseQueryDeterministic(t *testing.T) {
	v1 := encodeSparseQuery("Transformer attention for DOC_0001")
	v2 := encodeSparseQuery("Transformer attention for DOC_0001")
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("expected deterministic encoding, got %+v vs %+v", v1, v2)
	}
}

func TestEncodeSparseQuerySortsIndices(t *testing.T) {
	v := encodeSparseQuery("zulu alpha beta gamma")
	if len(v.Indices) != 4 {
		t.Fatalf("expected 4 terms, got %d", len(v.Indices))
	}
	for i := 1; i < len(v.Indices); i++ {
		if v.Indices[i-1] > v.Indices[i] {
			t.Fatalf("indices not sorted at %d: %d > %d", i, v.Indices[i-1], v.Indices[i])
		}
	}
}

func TestEncodeSparseQueryRepeatedTermWeighsMore(t *testing.T) {
	once := encodeSparseQuery("attention")
	twice := encodeSparseQuery("attention attention")
	if len(once.Values) != 1 || len(twice.Values) != 1 || twice.Values[0] <= once.Values[0] {
		t.Fatalf("expected saturating but increasing weight, got %v vs %v", once.Values, twice.Values)
	}
}

func TestEncodeSparseQueryEmptyNoiseInput(t *testing.T) {
	v := encodeSparseQuery("___---!!!")
	if len(v.Indices) != 0 || len(v.Values) != 0 {
		t.Fatalf("expected empty sparse vector, got %+v", v)
	}
}

func TestTokenizeKeepsUnicodeLettersAndDigits(t *testing.T) {
	got := tokenize("Привет DOC_0001 версия-2")
	want := []string{"привет", "doc", "0001", "версия", "2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
