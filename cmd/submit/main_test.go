package main

import "testing"

func TestRunUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"missing dataset": {},
		"bad meta":        {"-dataset", "field-7", "-meta", "not-json"},
		"unknown flag":    {"-nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if code := run(args); code != 2 {
				t.Fatalf("run(%v) = %d, want 2", args, code)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"-version"}); code != 0 {
		t.Fatalf("run(-version) = %d, want 0", code)
	}
}

func TestFileListAccumulates(t *testing.T) {
	var f fileList
	_ = f.Set("raw/a.tif")
	_ = f.Set("raw/b.tif")
	if len(f) != 2 || f[0] != "raw/a.tif" || f[1] != "raw/b.tif" {
		t.Fatalf("fileList = %v", f)
	}
}
