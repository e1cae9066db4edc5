package translator

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MergeAdjacentMessages collapses consecutive messages that share a role.
// Anthropic and Gemini both reject alternating-role violations, so the merge
// runs after every request translation targeting them. Text parts concatenate
// with "\n\n"; non-text parts append in order. Tool and function role
// messages never merge.
func MergeAdjacentMessages(messagesJSON []byte) []byte {
	parsed := gjson.ParseBytes(messagesJSON)
	if !parsed.IsArray() {
		return messagesJSON
	}

	out := "[]"
	lastRole := ""
	lastIndex := -1
	for _, msg := range parsed.Array() {
		role := msg.Get("role").String()
		if role != lastRole || role == "tool" || role == "function" {
			out, _ = sjson.SetRaw(out, "-1", msg.Raw)
			lastIndex++
			lastRole = role
			continue
		}

		merged := mergeContent(
			gjson.Get(out, itoa(lastIndex)+".content"),
			msg.Get("content"),
		)
		out, _ = sjson.SetRaw(out, itoa(lastIndex)+".content", merged)
	}
	return []byte(out)
}

// mergeContent joins two content values. Trailing and leading text parts fuse
// into one block separated by "\n\n"; everything else keeps its order.
func mergeContent(existing, incoming gjson.Result) string {
	if existing.Type == gjson.String && incoming.Type == gjson.String {
		return jsonString(existing.String() + "\n\n" + incoming.String())
	}

	blocks := "[]"
	for _, part := range contentParts(existing) {
		blocks = appendPart(blocks, part)
	}
	for _, part := range contentParts(incoming) {
		blocks = appendPart(blocks, part)
	}
	return blocks
}

// contentParts normalizes string content to a single text block.
func contentParts(content gjson.Result) []gjson.Result {
	if content.Type == gjson.String {
		block, _ := sjson.Set(`{"type":"text"}`, "text", content.String())
		return []gjson.Result{gjson.Parse(block)}
	}
	if content.IsArray() {
		return content.Array()
	}
	return nil
}

// appendPart adds one content block, fusing it with a trailing text block
// when both are plain text.
func appendPart(blocks string, part gjson.Result) string {
	arr := gjson.Parse(blocks).Array()
	if len(arr) > 0 && part.Get("type").String() == "text" {
		last := arr[len(arr)-1]
		if last.Get("type").String() == "text" && !last.Get("cache_control").Exists() && !part.Get("cache_control").Exists() {
			fused := last.Get("text").String() + "\n\n" + part.Get("text").String()
			blocks, _ = sjson.Set(blocks, itoa(len(arr)-1)+".text", fused)
			return blocks
		}
	}
	blocks, _ = sjson.SetRaw(blocks, "-1", part.Raw)
	return blocks
}

func itoa(n int) string { return strconv.Itoa(n) }

// jsonString returns the JSON encoding of s, including quotes.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
