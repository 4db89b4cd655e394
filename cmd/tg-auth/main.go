// tg-auth bootstraps the telegram session the monitor requires.
// The monitor itself fails fast when unauthorized; run this tool once to
// log in with a phone number or by scanning a QR code, then start the
// monitor against the same session store.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/celestix/gotgproto/storage"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/carscout/carscout/internal/config"
	"github.com/carscout/carscout/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("=== telegram auth tool ===")
	fmt.Println("logs the monitor account in and stores the session")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}

	reader := bufio.NewReader(os.Stdin)
	cfg.TGApiID, cfg.TGApiHash = getAPICredentials(reader)

	fmt.Println("choose authentication method:")
	fmt.Println("  1. phone number (sms/code)")
	fmt.Println("  2. qr code (scan with the telegram app)")
	fmt.Print("\nenter choice [1]: ")
	choice, _ := reader.ReadString('\n')

	if strings.TrimSpace(choice) == "2" {
		if err := authWithQR(cfg); err != nil {
			fatalf("qr auth: %v", err)
		}
		return
	}
	if err := authWithPhone(cfg, reader); err != nil {
		fatalf("phone auth: %v", err)
	}
}

// sessionDialector returns the gorm dialector for the same session store
// the monitor will read: postgres when DATABASE_URL is set, a local
// sqlite file otherwise.
func sessionDialector(cfg *config.Config) gorm.Dialector {
	if cfg.DatabaseURL != "" {
		return postgres.Open(cfg.DatabaseURL)
	}
	return sqlite.Open(cfg.TGSessionFile)
}

// authWithPhone runs gotgproto's interactive phone login against the
// monitor's session store.
func authWithPhone(cfg *config.Config, reader *bufio.Reader) error {
	fmt.Print("enter your phone number (with country code, e.g. +79991234567): ")
	phone, _ := reader.ReadString('\n')
	phone = strings.TrimSpace(phone)

	fmt.Println("\nauthenticating... (check telegram for the code)")

	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sessionDialector(cfg)),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return err
	}
	defer client.Stop()

	sessionString, err := client.ExportStringSession()
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}

	fmt.Println("\nauthentication successful!")
	fmt.Printf("logged in as: @%s\n", client.Self.Username)
	fmt.Println("\nsession string (backup, optional):")
	fmt.Println("---")
	fmt.Println(sessionString)
	fmt.Println("---")
	fmt.Println("\nthe session is stored, the monitor can start now.")
	fmt.Println("keep the string secret, it provides full account access.")
	return nil
}

// authWithQR displays a login QR in the terminal and saves the captured
// session into the monitor's session store.
func authWithQR(cfg *config.Config) error {
	bundle, err := telegram.NewQRClient(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	var sessionData *session.Data

	err = bundle.Client.Run(ctx, func(ctx context.Context) error {
		qr := bundle.Client.QR()
		loggedIn := qrlogin.OnLoginToken(&bundle.Dispatcher)

		_, authErr := qr.Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			fmt.Println("\nscan this with telegram (settings → devices → link desktop device):")
			qrterminal.GenerateHalfBlock(token.URL(), qrterminal.L, os.Stdout)
			return nil
		})
		if authErr != nil {
			return authErr
		}

		loader := session.Loader{Storage: bundle.Storage}
		sessionData, authErr = loader.Load(ctx)
		return authErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("qr flow: %w", err)
	}

	sess, err := telegram.ConvertToGotgprotoSession(sessionData)
	if err != nil {
		return err
	}

	db, err := gorm.Open(sessionDialector(cfg), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	if err := db.AutoMigrate(&storage.Session{}); err != nil {
		return fmt.Errorf("migrate session table: %w", err)
	}
	if err := db.Save(sess).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	fmt.Println("\nauthentication successful, session stored.")
	fmt.Println("the monitor can start now.")
	return nil
}

// getAPICredentials reads api id and hash from env or prompts for them.
func getAPICredentials(reader *bufio.Reader) (int, string) {
	apiIDStr := os.Getenv("TG_API_ID")
	apiHash := os.Getenv("TG_API_HASH")

	if apiIDStr == "" {
		fmt.Print("enter your api_id (from https://my.telegram.org): ")
		apiIDStr, _ = reader.ReadString('\n')
		apiIDStr = strings.TrimSpace(apiIDStr)
	}
	if apiHash == "" {
		fmt.Print("enter your api_hash: ")
		apiHash, _ = reader.ReadString('\n')
		apiHash = strings.TrimSpace(apiHash)
	}

	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		fatalf("invalid api_id: %v", err)
	}

	return apiID, apiHash
}

func fatalf(format string, args ...any) {
	fmt.Printf("error: "+format+"\n", args...)
	os.Exit(1)
}
