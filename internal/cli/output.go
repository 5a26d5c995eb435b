package cli

import (
	"encoding/json"
	"fmt"
)

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func textOutput() bool { return formatFlag == "text" }
