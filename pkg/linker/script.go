package linker

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedScript = errors.New("unsupported linker script command")

// Script is the part of a linker script that names inputs: the common
// libc.so style "GROUP ( ... AS_NEEDED ( ... ) )" files.
type Script struct {
	Inputs     []string
	SearchDirs []string
}

func tokenizeScript(s string) ([]string, error) {
	var toks []string
	for len(s) > 0 {
		switch {
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s[2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment")
			}
			s = s[end+4:]
		case s[0] == '#':
			end := strings.IndexByte(s, '\n')
			if end < 0 {
				return toks, nil
			}
			s = s[end:]
		case strings.ContainsRune(" \t\r\n", rune(s[0])):
			s = s[1:]
		case strings.ContainsRune("(),;", rune(s[0])):
			toks = append(toks, s[:1])
			s = s[1:]
		case s[0] == '"':
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, s[1:end+1])
			s = s[end+2:]
		default:
			end := strings.IndexAny(s, " \t\r\n(),;\"")
			if end < 0 {
				end = len(s)
			}
			toks = append(toks, s[:end])
			s = s[end:]
		}
	}
	return toks, nil
}

type scriptParser struct {
	toks   []string
	script *Script
}

func ParseScript(content string) (*Script, error) {
	toks, err := tokenizeScript(content)
	if err != nil {
		return nil, err
	}

	p := &scriptParser{toks: toks, script: &Script{}}
	for len(p.toks) > 0 {
		if err := p.command(); err != nil {
			return nil, err
		}
	}
	return p.script, nil
}

func (p *scriptParser) next() string {
	if len(p.toks) == 0 {
		return ""
	}
	tok := p.toks[0]
	p.toks = p.toks[1:]
	return tok
}

func (p *scriptParser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *scriptParser) command() error {
	tok := p.next()
	switch tok {
	case ";":
		return nil
	case "INPUT", "GROUP":
		return p.fileList()
	case "SEARCH_DIR":
		if err := p.expect("("); err != nil {
			return err
		}
		p.script.SearchDirs = append(p.script.SearchDirs, p.next())
		return p.expect(")")
	case "OUTPUT_FORMAT", "OUTPUT_ARCH":
		if err := p.expect("("); err != nil {
			return err
		}
		for {
			switch p.next() {
			case ")":
				return nil
			case "":
				return fmt.Errorf("unterminated %s", tok)
			}
		}
	}
	return fmt.Errorf("%w %q", ErrUnsupportedScript, tok)
}

func (p *scriptParser) fileList() error {
	if err := p.expect("("); err != nil {
		return err
	}
	for {
		tok := p.next()
		switch tok {
		case ")":
			return nil
		case ",":
		case "":
			return fmt.Errorf("unterminated file list")
		case "AS_NEEDED":
			if err := p.fileList(); err != nil {
				return err
			}
		default:
			p.script.Inputs = append(p.script.Inputs, tok)
		}
	}
}
