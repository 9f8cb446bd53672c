package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maxrdz/Am-I-Alive/internal/auth"
	"github.com/maxrdz/Am-I-Alive/internal/config"
	"github.com/maxrdz/Am-I-Alive/internal/daemon"
	"github.com/maxrdz/Am-I-Alive/internal/logging"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the server config")
	initConfig := flag.Bool("init", false, "write a config template to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -init")
	validate := flag.Bool("validate", false, "validate -config and exit")
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin and print its argon2id hash")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("alivectl")

	if err := run(*configPath, *initConfig, *force, *validate, *hashPassword, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "alivectl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, initConfig, force, validate, hashPassword bool, in io.Reader, out io.Writer) error {
	switch {
	case hashPassword:
		return printHash(in, out)
	case initConfig:
		if err := config.WriteTemplate(configPath, "server", force); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote config template to %s\n", configPath)
		return nil
	}

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	if validate {
		fmt.Fprintf(out, "validated config at %s\n", configPath)
		return nil
	}
	log.Info().Str("config", configPath).Msg("alivectl: starting")
	return daemon.NewService(cfg).Run()
}

func printHash(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}
	encoded, err := auth.HashPassword(password, auth.DefaultArgon2Params())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, encoded)
	return nil
}
