package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		wantErr bool
	}{
		{name: "bare object", reply: `{"route":"SQL"}`, want: `{"route":"SQL"}`},
		{name: "markdown fence", reply: "```json\n{\"route\":\"RAG\"}\n```", want: `{"route":"RAG"}`},
		{name: "think block first", reply: "<think>maybe {route}</think>\n{\"route\":\"HYBRID\"}", want: `{"route":"HYBRID"}`},
		{name: "brace in string", reply: `Sure: {"note":"a } b","route":"SQL"} done`, want: `{"note":"a } b","route":"SQL"}`},
		{name: "nested", reply: `{"route":"SQL","entities":{"fiscal_year":"2024-25"}}`, want: `{"route":"SQL","entities":{"fiscal_year":"2024-25"}}`},
		{name: "skips invalid candidate", reply: `{not json} then {"route":"RAG"}`, want: `{"route":"RAG"}`},
		{name: "unterminated", reply: `{"route": "SQL"`, wantErr: true},
		{name: "prose only", reply: "I think this is a SQL question.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type reply struct {
		Route string `json:"route"`
	}

	got, err := DecodeJSON[reply]("answer: {\"route\": \"SQL\"}")
	require.NoError(t, err)
	assert.Equal(t, "SQL", got.Route)

	_, err = DecodeJSON[reply](`{"route": 7}`)
	assert.Error(t, err)
}
