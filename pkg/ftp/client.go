package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/menta2k/dataset-exporter/pkg/client"
)

var _ client.RemoteClient = (*Client)(nil)

// Options holds the connection settings for an FTP session
type Options struct {
	Host        string
	Port        int
	User        string
	Password    string
	Timeout     time.Duration
	DisableEPSV bool
}

// Client wraps a single FTP control connection
type Client struct {
	conn *ftp.ServerConn
	addr string
}

// NewClient dials and logs in to the FTP server
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("ftp host is required")
	}
	if opts.Port == 0 {
		opts.Port = 21
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(opts.Timeout),
		ftp.DialWithDisabledEPSV(opts.DisableEPSV),
	)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", addr, err)
	}

	if err := conn.Login(opts.User, opts.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login as %s: %w", opts.User, err)
	}

	return &Client{conn: conn, addr: addr}, nil
}

// DirectoryExists probes dir by entering it. A 550 reply means the directory
// does not exist; any other failure is returned as an error.
func (c *Client) DirectoryExists(ctx context.Context, dir string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := c.conn.ChangeDir(dir)
	if err == nil {
		return true, nil
	}
	if isUnavailable(err) {
		return false, nil
	}
	return false, fmt.Errorf("ftp cwd %s: %w", dir, err)
}

// MakeDir creates a single directory
func (c *Client) MakeDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.MakeDir(dir); err != nil {
		return fmt.Errorf("ftp mkd %s: %w", dir, err)
	}
	return nil
}

// ChangeDir sets the session's working directory
func (c *Client) ChangeDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.ChangeDir(dir); err != nil {
		return fmt.Errorf("ftp cwd %s: %w", dir, err)
	}
	return nil
}

// Store uploads r to remotePath in binary mode
func (c *Client) Store(ctx context.Context, remotePath string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Stor(remotePath, r); err != nil {
		return fmt.Errorf("ftp stor %s: %w", remotePath, err)
	}
	return nil
}

// Close ends the session
func (c *Client) Close() error {
	return c.conn.Quit()
}

// Addr returns the server address the client is connected to
func (c *Client) Addr() string {
	return c.addr
}

func isUnavailable(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}
