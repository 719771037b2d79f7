package logprob

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"index", "token", "logprob", "prob", "alts"}

// WriteJSON writes c as indented JSON.
func WriteJSON(w io.Writer, c *CompletionLP) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// WriteCSV writes one row per token. The alts column holds the
// alternatives as a JSON array; unknown logprobs are left empty.
func WriteCSV(w io.Writer, c *CompletionLP) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range c.Tokens {
		alts := t.TopLogprobs
		if alts == nil {
			alts = []Alt{}
		}
		altsJSON, err := json.Marshal(alts)
		if err != nil {
			return fmt.Errorf("token %d alts: %w", t.Index, err)
		}
		row := []string{
			strconv.Itoa(t.Index),
			t.Token,
			formatLogprob(t.Logprob),
			strconv.FormatFloat(t.Prob, 'g', -1, 64),
			string(altsJSON),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatLogprob(l Logprob) string {
	if l.IsUnknown() {
		return ""
	}
	return strconv.FormatFloat(float64(l), 'g', -1, 64)
}
