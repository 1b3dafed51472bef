package protocol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{
	Tag: "tst",
	Fields: []Field{
		{"tag", KindText},
		{"count", KindInt64},
		{"id", KindInt32},
		{"value", KindFloat64},
	},
}

func TestSplitWellFormed(t *testing.T) {
	rec, err := Split("tst,9000000000,-12,3.25", testSchema)
	require.NoError(t, err)

	want := []Element{
		{Kind: KindText, Text: "tst"},
		{Kind: KindInt64, Int: 9000000000},
		{Kind: KindInt32, Int: -12},
		{Kind: KindFloat64, Float: 3.25},
	}
	if diff := cmp.Diff(want, rec.Elements); diff != "" {
		t.Errorf("elements mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, rec.Has("value"))
	assert.False(t, rec.Has("altitude"))
	assert.Equal(t, "tst", rec.Text("tag"))
	assert.Equal(t, int64(9000000000), rec.Int("count"))
	assert.Equal(t, int64(-12), rec.Int("id"))
	assert.Equal(t, 3.25, rec.Float("value"))
	assert.Equal(t, 0.0, rec.Float("missing"))
}

func TestSplitMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"missing token", "tst,1,2"},
		{"extra token", "tst,1,2,3.0,4"},
		{"bad int64", "tst,abc,2,3.0"},
		{"int32 overflow", "tst,1,3000000000,3.0"},
		{"bad float", "tst,1,2,3.0.1"},
		{"empty numeric", "tst,1,,3.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Split(tt.line, testSchema)
			if !errors.Is(err, ErrMalformedField) {
				t.Fatalf("Split(%q) error = %v, want ErrMalformedField", tt.line, err)
			}
			assert.Nil(t, rec.Elements, "no partial record on failure")
		})
	}
}

func TestFixedSchemasSplit(t *testing.T) {
	lines := map[string]Schema{
		"wrz,0.120,-0.400,2.000,y,1.30,0.002,1;0;0;0;1;0;0;0;1,7487105,7487182,14.6,0": VelocitySchema,
		"wru,0,0.070,1.27,-40,-95":                                                      TransducerSchema,
		"wrp,49056.809,0.41,0.26,1.36,0.7,0.62,-0.40,-93.32,0":                          DeadReckoningSchema,
		"wrc,1500,0,y,n,auto,y":                                                         ConfigSchema,
	}
	for line, schema := range lines {
		rec, err := Split(line, schema)
		require.NoErrorf(t, err, "split %s", schema.Tag)
		assert.Len(t, rec.Elements, len(schema.Fields))
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "text", KindText.String())
	assert.Equal(t, "float64", KindFloat64.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
