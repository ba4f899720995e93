package annotate

import (
	"reflect"
	"strings"
	"testing"

	"github.com/eyelocater/eyelocater/internal/dataset"
)

func TestParseGenes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "Rho", []string{"Rho"}},
		{"commas", "Rho,Opn1mw,Opn1sw", []string{"Rho", "Opn1mw", "Opn1sw"}},
		{"mixedDelimiters", "Rho;Opn1mw,Opn1sw", []string{"Rho", "Opn1mw", "Opn1sw"}},
		{"whitespace", "  Rho , Opn1sw ;", []string{"Rho", "Opn1sw"}},
		{"duplicates", "Rho,Rho,Opn1sw", []string{"Rho", "Opn1sw"}},
		{"emptyTokens", ",,;;", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseGenes(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseGenes(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseGenesIdempotent(t *testing.T) {
	first := ParseGenes("Rho; Opn1sw,Rho ,Gnat1")
	second := ParseGenes(strings.Join(first, ","))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-parsing changed the list: %v vs %v", first, second)
	}
}

func TestValidateGenes(t *testing.T) {
	ds, err := dataset.New("v", []string{"c1"}, []string{"Rho", "Opn1sw"}, []float32{1, 2})
	if err != nil {
		t.Fatal(err)
	}

	valid, invalid := ValidateGenes(ds, []string{"Rho", "NotAGene", "Opn1sw"})
	if !reflect.DeepEqual(valid, []string{"Rho", "Opn1sw"}) {
		t.Errorf("valid = %v", valid)
	}
	if !reflect.DeepEqual(invalid, []string{"NotAGene"}) {
		t.Errorf("invalid = %v", invalid)
	}

	valid, invalid = ValidateGenes(ds, nil)
	if valid != nil || invalid != nil {
		t.Errorf("empty input should partition to nil/nil, got %v/%v", valid, invalid)
	}
}
