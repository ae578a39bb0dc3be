package main

import (
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/moonrun/moonrun/internal/manifest"
)

func main() {
	r := new(jsonschema.Reflector)

	if err := r.AddGoComments("github.com/moonrun/moonrun", "internal/manifest"); err != nil {
		panic(err)
	}

	for key, value := range r.CommentMap {
		r.CommentMap[key] = applySoftLineBreaks(value)
	}

	schema := r.Reflect(&manifest.File{})
	schemajson, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	fmt.Println(string(schemajson))
}

// applySoftLineBreaks replaces soft line breaks with a space and hard line
// breaks with a newline.
func applySoftLineBreaks(comment string) string {
	replaced := strings.ReplaceAll(comment, "\n\n", "[[newline]]")
	replaced = strings.ReplaceAll(replaced, "\n", " ")
	replaced = strings.ReplaceAll(replaced, "[[newline]]", "\n")
	return replaced
}
