// Command chatd runs the reference chat backend used for local development.
//
//	chatd                 serve
//	chatd token <user>    print a development token for <user>
package main

import (
	"fmt"
	"os"

	"nearbuy-chat/internal/app"
)

func main() {
	if len(os.Args) == 3 && os.Args[1] == "token" {
		token, err := app.IssueDevToken(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}
	app.Run()
}
