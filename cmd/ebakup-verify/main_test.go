package main

import (
	"testing"

	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/verifylog"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want byte
	}{
		{"nil", nil, verifylog.StateGood},
		{"missing", &errs.ContentMissing{Cid: "abcd"}, verifylog.StateMissing},
		{"corrupt", &errs.BlockCorrupt{File: "db/content", Index: 3}, verifylog.StateChecksumMismatch},
	}
	for _, c := range cases {
		got := classify(c.err)
		if got.Kind != c.want {
			t.Errorf("%s: classify(%v).Kind = %c, want %c", c.name, c.err, got.Kind, c.want)
		}
	}
}
