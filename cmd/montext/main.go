package main

import (
	"bufio"
	"fmt"
	"image"
	"log"
	"os"
	"strings"
	"time"

	"github.com/monroy/montext/internal/config"
	"github.com/monroy/montext/internal/logging"
	"github.com/monroy/montext/internal/session"
	"github.com/monroy/montext/internal/storage/sqlite"
	"github.com/monroy/montext/internal/xmpp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	store, err := sqlite.New(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("Failed to open preference store: %v", err)
	}
	defer store.Close()

	// Preferences override config defaults: the last-used server and
	// account win when present.
	server := cfg.Server
	if saved, err := store.LoadServer(); err == nil && saved != nil {
		server = config.ServerConfig{Host: saved.Host, Port: saved.Port, Domain: saved.Domain}
	}
	account := cfg.Account
	if saved, err := store.LastAccount(); err == nil && saved != nil && saved.Remember {
		account = config.AccountConfig{Username: saved.Username, Password: saved.Password, Remember: true}
	}

	sess := session.New(xmpp.NewClient(logger), logger)

	go watchStates(sess)

	fmt.Println("montext - type 'help' for commands")
	runCommandLoop(sess, store, cfg, server, account)
}

// watchStates prints every state-stream change; it stands in for the
// UI layer.
func watchStates(sess *session.Session) {
	conn, _ := sess.ConnectionStates().Subscribe()
	login, _ := sess.LoginStates().Subscribe()
	reg, _ := sess.RegistrationStates().Subscribe()
	roster, _ := sess.Roster().Subscribe()

	for {
		select {
		case s := <-conn:
			fmt.Printf("* connection: %s\n", s)
		case s := <-login:
			fmt.Printf("* login: %s\n", s)
		case s := <-reg:
			fmt.Printf("* registration: %s\n", s)
		case contacts := <-roster:
			fmt.Printf("* roster (%d contacts):\n", len(contacts))
			for _, c := range contacts {
				marker := " "
				if c.Online {
					marker = "+"
				}
				fmt.Printf("  [%s] %s <%s>\n", marker, c.DisplayName, c.ID)
			}
		}
	}
}

func runCommandLoop(sess *session.Session, store *sqlite.DB, cfg *config.Config, server config.ServerConfig, account config.AccountConfig) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "help":
			fmt.Println("commands: connect | login [user pass] | register <user> <pass> [name] [email] |")
			fmt.Println("          add <address> [nickname] | remove <address> | avatar [file.png] |")
			fmt.Println("          forget [user] | save | disconnect | quit")
		case "connect":
			if server.Host == "" {
				fmt.Println("no server configured")
				continue
			}
			sess.Connect(server.Host, server.Port, server.Domain)
			if err := store.SaveServer(sqlite.Server{Host: server.Host, Port: server.Port, Domain: server.Domain}); err != nil {
				fmt.Printf("failed to save server preference: %v\n", err)
			}
		case "login":
			user, pass := account.Username, account.Password
			if len(args) >= 2 {
				user, pass = args[0], args[1]
			}
			if user == "" {
				fmt.Println("usage: login <user> <pass>")
				continue
			}
			if err := sess.Login(user, pass); err != nil {
				fmt.Printf("login: %v\n", err)
				continue
			}
			account.Username, account.Password = user, pass
			if err := store.SaveAccount(sqlite.Account{
				Username:      user,
				Password:      pass,
				Remember:      account.Remember,
				LastConnected: time.Now(),
			}); err != nil {
				fmt.Printf("failed to save account preference: %v\n", err)
			}
		case "register":
			if len(args) < 2 {
				fmt.Println("usage: register <user> <pass> [name] [email]")
				continue
			}
			name, email := "", ""
			if len(args) > 2 {
				name = args[2]
			}
			if len(args) > 3 {
				email = args[3]
			}
			if err := sess.Register(args[0], args[1], name, email); err != nil {
				fmt.Printf("register: %v\n", err)
			}
		case "add":
			if len(args) < 1 {
				fmt.Println("usage: add <address> [nickname]")
				continue
			}
			nickname := ""
			if len(args) > 1 {
				nickname = args[1]
			}
			if err := sess.AddContact(args[0], nickname); err != nil {
				fmt.Printf("add: %v\n", err)
			}
		case "remove":
			if len(args) < 1 {
				fmt.Println("usage: remove <address>")
				continue
			}
			if err := sess.RemoveContact(session.ContactID(args[0])); err != nil {
				fmt.Printf("remove: %v\n", err)
			}
		case "avatar":
			// Without an argument, reuse the last uploaded file.
			path := ""
			if len(args) > 0 {
				path = args[0]
			} else if saved, err := store.GetState("avatar_path"); err == nil {
				path = saved
			}
			if path == "" {
				fmt.Println("usage: avatar <file>")
				continue
			}
			img, err := loadImage(path)
			if err != nil {
				fmt.Printf("avatar: %v\n", err)
				continue
			}
			if err := sess.UploadOwnAvatar(img); err != nil {
				fmt.Printf("avatar: %v\n", err)
				continue
			}
			if err := store.SetState("avatar_path", path); err != nil {
				fmt.Printf("failed to save avatar preference: %v\n", err)
			}
		case "forget":
			user := account.Username
			if len(args) > 0 {
				user = args[0]
			}
			if user == "" {
				fmt.Println("usage: forget <user>")
				continue
			}
			if err := store.DeleteAccount(user); err != nil {
				fmt.Printf("forget: %v\n", err)
				continue
			}
			if user == account.Username {
				account = config.AccountConfig{}
			}
			fmt.Printf("forgot account %q\n", user)
		case "save":
			cfg.Server = server
			cfg.Account = account
			if err := config.Save(cfg); err != nil {
				fmt.Printf("save: %v\n", err)
				continue
			}
			fmt.Println("configuration saved")
		case "disconnect":
			sess.Disconnect()
		case "quit", "exit":
			sess.Disconnect()
			return
		default:
			fmt.Printf("unknown command %q, try 'help'\n", cmd)
		}
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}
