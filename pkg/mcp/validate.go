package mcp

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// blockedCommands are rejected even if someone adds them to the
// allowed set by mistake; checked first.
var blockedCommands = map[string]bool{
	"rm": true, "rmdir": true, "dd": true, "mkfs": true, "fdisk": true,
	"sh": true, "bash": true, "zsh": true,
	"curl": true, "wget": true, "nc": true, "ncat": true, "telnet": true,
	"ssh": true, "scp": true,
	"chmod": true, "chown": true, "sudo": true, "su": true,
	"kill": true, "killall": true,
}

// allowedCommands are the only runtimes a tool server may use.
var allowedCommands = map[string]bool{
	"npx": true, "node": true,
	"python": true, "python3": true,
	"uvx": true, "uv": true,
	"docker": true, "deno": true, "bun": true,
}

var shellMetachars = []string{";", "|", "&&", "||", "`", "$", ">", "<"}

// ValidateCommand enforces the command sandbox before any spawn.
// The command is resolved through PATH so that an absolute path to a
// blocked binary cannot slip through under another spelling.
func ValidateCommand(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("commande vide")
	}

	resolved := command
	if path, err := exec.LookPath(command); err == nil {
		resolved = path
	}
	base := filepath.Base(resolved)

	if blockedCommands[base] {
		return fmt.Errorf("commande bloquee: %s", base)
	}
	if !allowedCommands[base] {
		return fmt.Errorf("commande non autorisee: %s", base)
	}

	for _, arg := range args {
		for _, meta := range shellMetachars {
			if strings.Contains(arg, meta) {
				return fmt.Errorf("argument non autorise (caractere shell %q): %s", meta, arg)
			}
		}
	}
	return nil
}
