// check_name validates branch and commit naming before a push.
// Branch names must match ^(feat|fix|refac|ops|docs)/ and commit subjects
// ^\[(feat|fix|refac|ops|docs)\] followed by a capitalized message.
package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var (
	branchRe = regexp.MustCompile(`^(feat|fix|refac|ops|docs)/`)
	commitRe = regexp.MustCompile(`^\[(feat|fix|refac|ops|docs)\] [A-Z]`)
)

func git(args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func main() {
	upstream := "origin/main"
	if len(os.Args) > 1 {
		upstream = os.Args[1]
	}

	out, err := git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		log.Fatalf("[check_name] cannot resolve branch: %v", err)
	}
	branch := strings.TrimSpace(string(out))

	failed := false
	if !branchRe.MatchString(branch) {
		fmt.Printf("Invalid branch name: %q (want ^(feat|fix|refac|ops|docs)/)\n", branch)
		failed = true
	}

	// NUL-separated subjects: commit bodies can contain any newline runs, so
	// a text separator would mis-split the range.
	out, err = git("log", "-z", "--format=%s", upstream+"..HEAD")
	if err != nil {
		log.Fatalf("[check_name] cannot read commit range: %v", err)
	}
	for _, raw := range bytes.Split(out, []byte{0}) {
		subject := strings.TrimSpace(string(raw))
		if subject == "" {
			continue
		}
		if !commitRe.MatchString(subject) {
			fmt.Printf("Invalid commit subject: %q (want ^\\[(feat|fix|refac|ops|docs)\\] Capitalized...)\n", subject)
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
	fmt.Println("Branch and commit names OK")
}
