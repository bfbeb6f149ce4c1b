package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/skip2/go-qrcode"
)

// LoginResult identifies the account a login flow authorized.
type LoginResult struct {
	UserID    int64
	Username  string
	FirstName string
	Phone     string
}

// PromptAuth adapts interactive prompt functions to the authenticator the
// phone-code login flow expects. The password prompt is only invoked when
// the account has two-step verification enabled.
type PromptAuth struct {
	phone    string
	code     func(ctx context.Context) (string, error)
	password func(ctx context.Context) (string, error)
}

func NewPromptAuth(phone string, code, password func(ctx context.Context) (string, error)) PromptAuth {
	return PromptAuth{phone: phone, code: code, password: password}
}

func (a PromptAuth) Phone(_ context.Context) (string, error) {
	return a.phone, nil
}

func (a PromptAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.code(ctx)
}

func (a PromptAuth) Password(ctx context.Context) (string, error) {
	if a.password == nil {
		return "", errors.New("two-step verification password required but no prompt configured")
	}
	return a.password(ctx)
}

func (a PromptAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (a PromptAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("account does not exist, sign up via an official Telegram app first")
}

// LoginWithCode runs the phone-code flow against the session file in opts,
// prompting through authenticator as needed. Already-authorized sessions
// pass straight through.
func LoginWithCode(ctx context.Context, opts Options, authenticator auth.UserAuthenticator) (*LoginResult, error) {
	client := newTelegramClient(opts, nil)
	var res *LoginResult
	err := client.Run(ctx, func(cctx context.Context) error {
		flow := auth.NewFlow(authenticator, auth.SendCodeOptions{})
		if err := client.Auth().IfNecessary(cctx, flow); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		self, err := client.Self(cctx)
		if err != nil {
			return fmt.Errorf("load self: %w", err)
		}
		res = &LoginResult{UserID: self.ID, Username: self.Username, FirstName: self.FirstName, Phone: self.Phone}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LoginWithQR runs the QR login flow, rendering each fresh token as a PNG
// at qrPath for the user to scan from another device. password is consulted
// when the account protects logins with two-step verification.
func LoginWithQR(ctx context.Context, opts Options, qrPath string, password func(ctx context.Context) (string, error)) (*LoginResult, error) {
	dispatcher := tg.NewUpdateDispatcher()
	client := newTelegramClient(opts, dispatcher)
	var res *LoginResult
	err := client.Run(ctx, func(cctx context.Context) error {
		loggedIn := qrlogin.OnLoginToken(dispatcher)
		_, err := client.QR().Auth(cctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			if err := qrcode.WriteFile(token.URL(), qrcode.Medium, 512, qrPath); err != nil {
				return fmt.Errorf("render qr code: %w", err)
			}
			slog.Info("Scan the QR code with a logged-in Telegram app", "path", qrPath)
			return nil
		})
		if err != nil {
			if !tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
				return fmt.Errorf("qr login: %w", err)
			}
			if password == nil {
				return errors.New("two-step verification password required but no prompt configured")
			}
			pwd, perr := password(cctx)
			if perr != nil {
				return perr
			}
			if _, perr := client.Auth().Password(cctx, pwd); perr != nil {
				return fmt.Errorf("two-step password: %w", perr)
			}
		}
		self, err := client.Self(cctx)
		if err != nil {
			return fmt.Errorf("load self: %w", err)
		}
		res = &LoginResult{UserID: self.ID, Username: self.Username, FirstName: self.FirstName, Phone: self.Phone}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
