package git

import "strings"

// FileStatus is one changed file from git status --porcelain.
type FileStatus struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	OldPath string `json:"oldPath,omitempty"`
}

// StatusResult is the parsed repository status.
type StatusResult struct {
	Branch    string       `json:"branch"`
	Staged    []FileStatus `json:"staged"`
	Unstaged  []FileStatus `json:"unstaged"`
	Untracked []FileStatus `json:"untracked"`
}

// Commit is one parsed log entry.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

// parseStatusPorcelain parses git status --porcelain=v1 output.
//
// Format: XY <path> (or XY <old> -> <new> for renames). X is the index
// status, Y the worktree status. "??" is untracked, "!!" ignored (skipped).
func parseStatusPorcelain(output string) *StatusResult {
	res := &StatusResult{
		Staged:    []FileStatus{},
		Unstaged:  []FileStatus{},
		Untracked: []FileStatus{},
	}
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 3 {
			continue
		}
		indexStatus := line[0]
		worktreeStatus := line[1]
		rest := line[3:]

		var filePath, oldPath string
		if arrowIdx := strings.Index(rest, " -> "); arrowIdx >= 0 {
			oldPath = strings.TrimSpace(rest[:arrowIdx])
			filePath = strings.TrimSpace(rest[arrowIdx+4:])
		} else {
			filePath = strings.TrimSpace(rest)
		}
		if filePath == "" {
			continue
		}

		if indexStatus == '?' && worktreeStatus == '?' {
			res.Untracked = append(res.Untracked, FileStatus{Path: filePath, Status: "??"})
			continue
		}
		if indexStatus == '!' && worktreeStatus == '!' {
			continue
		}
		if indexStatus != ' ' && indexStatus != '?' {
			fs := FileStatus{Path: filePath, Status: string(indexStatus)}
			if oldPath != "" {
				fs.OldPath = oldPath
			}
			res.Staged = append(res.Staged, fs)
		}
		if worktreeStatus != ' ' && worktreeStatus != '?' {
			res.Unstaged = append(res.Unstaged, FileStatus{Path: filePath, Status: string(worktreeStatus)})
		}
	}
	return res
}

// parseLog parses --pretty=format:%H\t%an\t%ad\t%s output.
func parseLog(output string) []Commit {
	commits := []Commit{}
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 {
			continue
		}
		commits = append(commits, Commit{
			Hash:    parts[0],
			Author:  parts[1],
			Date:    parts[2],
			Subject: parts[3],
		})
	}
	return commits
}
