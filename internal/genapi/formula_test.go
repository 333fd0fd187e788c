package genapi

import (
	"fmt"
	"math"
	"testing"
)

func TestParseFormula(t *testing.T) {
	vars := map[string]float64{
		"W":    640,
		"H":    480,
		"BPP":  12,
		"MODE": 2,
	}
	lookup := func(name string) (float64, error) {
		if v, ok := vars[name]; ok {
			return v, nil
		}
		if c, ok := builtinConstant(name); ok {
			return c, nil
		}
		return 0, fmt.Errorf("未定義の変数 %s", name)
	}

	tests := []struct {
		name    string
		formula string
		want    float64
	}{
		{name: "乗算", formula: "W*H", want: 307200},
		{name: "優先順位", formula: "1+2*3", want: 7},
		{name: "括弧", formula: "(1+2)*3", want: 9},
		{name: "パック形式のペイロード", formula: "(W*H*BPP+7)/8", want: 460800.875},
		{name: "べき乗は右結合", formula: "2**3**2", want: 512},
		{name: "単項マイナス", formula: "-W+1", want: -639},
		{name: "16進数", formula: "0x10 + 1", want: 17},
		{name: "ビット演算", formula: "(0xF0 & 0x3C) | 1", want: 0x31},
		{name: "シフト", formula: "1 << 4 >> 2", want: 4},
		{name: "比較", formula: "W > H", want: 1},
		{name: "等価", formula: "MODE = 2", want: 1},
		{name: "不等価", formula: "MODE <> 2", want: 0},
		{name: "論理積", formula: "W > 0 && H < 0", want: 0},
		{name: "論理和", formula: "W > 0 || H < 0", want: 1},
		{name: "三項演算子", formula: "MODE = 1 ? 10 : MODE = 2 ? 20 : 30", want: 20},
		{name: "関数", formula: "ABS(-5) + FLOOR(2.7) + CEIL(0.2)", want: 8},
		{name: "定数", formula: "ROUND(PI*100)", want: 314},
		{name: "剰余", formula: "W % 7", want: 3},
		{name: "否定", formula: "!0 + ~0", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := parseFormula(tt.formula)
			if err != nil {
				t.Fatalf("parseFormula(%q) failed: %v", tt.formula, err)
			}
			got, err := e.eval(&scope{lookup: lookup})
			if err != nil {
				t.Fatalf("eval(%q) failed: %v", tt.formula, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("eval(%q) = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
}

func TestParseFormulaErrors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"(1 + 2",
		"1 ? 2",
		"1 $ 2",
		"1 2",
	}

	for _, formula := range tests {
		if _, err := parseFormula(formula); err == nil {
			t.Errorf("parseFormula(%q) はエラーになるべき", formula)
		}
	}
}

func TestFormulaEvalErrors(t *testing.T) {
	lookup := func(name string) (float64, error) {
		return 0, fmt.Errorf("未定義の変数 %s", name)
	}

	tests := []string{
		"1 / 0",
		"X + 1",
		"FOO(1)",
	}
	for _, formula := range tests {
		e, err := parseFormula(formula)
		if err != nil {
			t.Fatalf("parseFormula(%q) failed: %v", formula, err)
		}
		if _, err := e.eval(&scope{lookup: lookup}); err == nil {
			t.Errorf("eval(%q) はエラーになるべき", formula)
		}
	}
}

func TestFormulaIntegerMode(t *testing.T) {
	lookup := func(name string) (float64, error) {
		switch name {
		case "X":
			return 7, nil
		case "F":
			return 2.9, nil
		}
		return 0, fmt.Errorf("未定義の変数 %s", name)
	}

	tests := []struct {
		formula string
		want    float64
	}{
		{"(X/2)*2", 6},
		{"-X/2", -3},
		{"F*2", 4},
		{"X/2.5", 3},
		{"SQRT(X)", 2},
	}
	for _, tt := range tests {
		e, err := parseFormula(tt.formula)
		if err != nil {
			t.Fatalf("parseFormula(%q) failed: %v", tt.formula, err)
		}
		got, err := e.eval(&scope{lookup: lookup, integer: true})
		if err != nil {
			t.Fatalf("eval(%q) failed: %v", tt.formula, err)
		}
		if got != tt.want {
			t.Errorf("eval(%q) = %v, want %v", tt.formula, got, tt.want)
		}
	}

	e, _ := parseFormula("X/0.5")
	if _, err := e.eval(&scope{lookup: lookup, integer: true}); err == nil {
		t.Error("整数モードで 0 に切り捨てられた除数はエラーになるべき")
	}
}
