package transport

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"
	"time"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
	"github.com/google/uuid"

	logx "dripsend/pkg/logx"
)

// SMTPConfig configures the relay transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
	HELOName string
	Timeout  time.Duration // per-attempt deadline

	DKIM DKIMConfig
}

// DKIMConfig enables DKIM signing when Selector and KeyPath are set.
type DKIMConfig struct {
	Selector string
	Domain   string // defaults to the From address's domain
	KeyPath  string // PEM-encoded private key
}

// SMTP relays messages through a configured submission host.
//
// One Send call is one attempt: dial, optional STARTTLS, optional AUTH,
// one MAIL/RCPT/DATA exchange, QUIT. Every failure comes back as *Error
// with the stage that broke.
type SMTP struct {
	cfg    SMTPConfig
	log    logx.Logger
	signer crypto.Signer
}

func NewSMTP(cfg SMTPConfig, log logx.Logger) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.HELOName) == "" {
		cfg.HELOName = "dripsend.local"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	t := &SMTP{cfg: cfg, log: log}
	if cfg.DKIM.Selector != "" || cfg.DKIM.KeyPath != "" {
		if cfg.DKIM.Selector == "" || cfg.DKIM.KeyPath == "" {
			return nil, errors.New("dkim requires both selector and key_path")
		}
		key, err := loadPrivateKey(cfg.DKIM.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: %w", err)
		}
		t.signer = key
		log.Info("dkim signing enabled", logx.String("selector", cfg.DKIM.Selector))
	}
	return t, nil
}

func (t *SMTP) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), heloDomain(t.cfg.From))
	data, err := t.buildMessage(messageID, recipient, subject, body)
	if err != nil {
		return "", stageErr("build", err)
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprint(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", stageErr("dial", err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(deadline); err != nil {
		return "", stageErr("deadline", err)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return "", stageErr("client", err)
	}
	defer client.Close()

	if err := client.Hello(t.cfg.HELOName); err != nil {
		return "", stageErr("helo", err)
	}

	if t.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return "", stageErr("starttls", errors.New("server does not offer STARTTLS"))
		}
		tlsConf := &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
		if err := client.StartTLS(tlsConf); err != nil {
			return "", stageErr("starttls", err)
		}
		if err := client.Hello(t.cfg.HELOName); err != nil {
			return "", stageErr("post-starttls helo", err)
		}
	}

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return "", stageErr("auth", err)
		}
	}

	if err := client.Mail(t.cfg.From); err != nil {
		return "", stageErr("mail from", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return "", stageErr("rcpt to", err)
	}
	w, err := client.Data()
	if err != nil {
		return "", stageErr("data start", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", stageErr("data write", err)
	}
	if err := w.Close(); err != nil {
		return "", stageErr("data close", err)
	}
	if err := client.Quit(); err != nil {
		// The message was accepted at this point; a broken QUIT is not a
		// delivery failure.
		t.log.Debug("smtp quit failed", logx.Err(err))
	}

	return messageID, nil
}

func (t *SMTP) buildMessage(messageID, recipient, subject, body string) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", t.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")

	if t.signer == nil {
		return b.Bytes(), nil
	}

	domain := t.cfg.DKIM.Domain
	if domain == "" {
		domain = heloDomain(t.cfg.From)
	}
	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               t.cfg.DKIM.Selector,
		Signer:                 t.signer,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             []string{"from", "to", "subject", "date", "message-id", "mime-version", "content-type"},
	}
	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(b.Bytes()), opts); err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	return signed.Bytes(), nil
}

func heloDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return "localhost"
}

func loadPrivateKey(path string) (crypto.Signer, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, errors.New("unsupported PKCS8 key type")
		}
		pemData = rest
	}
	return nil, errors.New("no usable private key block found")
}
