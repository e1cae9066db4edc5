package translator

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const ephemeralCache = `{"type":"ephemeral"}`

// InjectCacheControl marks an Anthropic request body for prompt caching at up
// to three positions: the last tool definition, the last system block, and
// the last user block. Positions that already carry cache_control are left
// alone.
func InjectCacheControl(rawJSON []byte) []byte {
	rawJSON = injectToolsCache(rawJSON)
	rawJSON = injectSystemCache(rawJSON)
	rawJSON = injectMessagesCache(rawJSON)
	return rawJSON
}

func injectToolsCache(rawJSON []byte) []byte {
	tools := gjson.GetBytes(rawJSON, "tools")
	n := len(tools.Array())
	if n == 0 {
		return rawJSON
	}
	last := "tools." + strconv.Itoa(n-1)
	if gjson.GetBytes(rawJSON, last+".cache_control").Exists() {
		return rawJSON
	}
	rawJSON, _ = sjson.SetRawBytes(rawJSON, last+".cache_control", []byte(ephemeralCache))
	return rawJSON
}

func injectSystemCache(rawJSON []byte) []byte {
	system := gjson.GetBytes(rawJSON, "system")
	if system.Type == gjson.String {
		block, _ := sjson.Set(`{"type":"text"}`, "text", system.String())
		block, _ = sjson.SetRaw(block, "cache_control", ephemeralCache)
		rawJSON, _ = sjson.SetRawBytes(rawJSON, "system", []byte("["+block+"]"))
		return rawJSON
	}
	n := len(system.Array())
	if n == 0 {
		return rawJSON
	}
	last := "system." + strconv.Itoa(n-1)
	if gjson.GetBytes(rawJSON, last+".cache_control").Exists() {
		return rawJSON
	}
	rawJSON, _ = sjson.SetRawBytes(rawJSON, last+".cache_control", []byte(ephemeralCache))
	return rawJSON
}

// injectMessagesCache marks the last block of the last user message so the
// cache prefix covers the whole conversation including the current turn.
func injectMessagesCache(rawJSON []byte) []byte {
	messages := gjson.GetBytes(rawJSON, "messages")
	target := -1
	for i, msg := range messages.Array() {
		if msg.Get("role").String() == "user" {
			target = i
		}
	}
	if target < 0 {
		return rawJSON
	}
	path := "messages." + strconv.Itoa(target) + ".content"

	content := gjson.GetBytes(rawJSON, path)
	if content.Type == gjson.String {
		block, _ := sjson.Set(`{"type":"text"}`, "text", content.String())
		rawJSON, _ = sjson.SetRawBytes(rawJSON, path, []byte("["+block+"]"))
		content = gjson.GetBytes(rawJSON, path)
	}
	n := len(content.Array())
	if n == 0 {
		return rawJSON
	}
	last := path + "." + strconv.Itoa(n-1)
	if gjson.GetBytes(rawJSON, last+".cache_control").Exists() {
		return rawJSON
	}
	rawJSON, _ = sjson.SetRawBytes(rawJSON, last+".cache_control", []byte(ephemeralCache))
	return rawJSON
}
