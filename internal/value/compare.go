// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package value

import (
	"bytes"
	"cmp"
	"strings"
)

// Equal reports whether a and b hold the same value. Int and Float compare
// numerically so a cached 3.0 matches a filter value of 3.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Bool:
		return x == b.(Bool)
	case Int, Float:
		return compareNumbers(a, b) == 0
	case String:
		return x == b.(String)
	case Binary:
		y := b.(Binary)
		return bytes.Equal(x.Data, y.Data) && x.ContentType == y.ContentType && x.Name == y.Name
	case List:
		y := b.(List)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Map:
		y := b.(Map)
		if len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values. Values of different kinds order by Kind rank;
// Null sorts first here, callers that want nulls last handle them explicitly.
func Compare(a, b Value) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch x := a.(type) {
	case Bool:
		y := b.(Bool)
		switch {
		case x == y:
			return 0
		case !bool(x):
			return -1
		default:
			return 1
		}
	case Int, Float:
		return compareNumbers(a, b)
	case String:
		return strings.Compare(string(x), string(b.(String)))
	case Binary:
		return bytes.Compare(x.Data, b.(Binary).Data)
	case List:
		y := b.(List)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case Map:
		return cmp.Compare(len(x), len(b.(Map)))
	}
	return 0
}

func kindOf(v Value) Kind {
	if v == nil {
		return KindNull
	}
	return v.Kind()
}

func compareNumbers(a, b Value) int {
	ai, aInt := a.(Int)
	bi, bInt := b.(Int)
	if aInt && bInt {
		return cmp.Compare(ai, bi)
	}
	return cmp.Compare(toFloat(a), toFloat(b))
}

func toFloat(v Value) float64 {
	switch t := v.(type) {
	case Int:
		return float64(t)
	case Float:
		return float64(t)
	}
	return 0
}
