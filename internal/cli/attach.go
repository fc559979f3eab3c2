package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/recording"
	"github.com/agentfold/warden/internal/relay"
	"github.com/agentfold/warden/internal/session"
)

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach to a running session",
	Long: `Attach to a running session's relay socket. The retained history is
replayed, then live output streams. Type y/n to resolve pending approvals,
/interrupt to stop the current turn, /kill to terminate, or plain text to
send a user turn. Ctrl-C detaches without stopping the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}
	meta, err := session.LoadMeta(id)
	if err != nil {
		return fmt.Errorf("session %d not found", id)
	}
	if !session.IsActiveStatus(meta.Status) {
		return replayFinished(id, meta)
	}

	ctx := cmd.Context()
	client, err := relay.Connect(ctx, session.SocketPath(id))
	if err != nil {
		return err
	}
	defer client.Close()

	// Track pending approvals so terminal y/n answers resolve the oldest.
	pendingCh := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		var pending []string
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())

			// Drain newly announced approvals.
			for {
				select {
				case id := <-pendingCh:
					pending = append(pending, id)
					continue
				default:
				}
				break
			}

			if len(pending) > 0 {
				reqID := pending[0]
				pending = pending[1:]
				switch strings.ToLower(line) {
				case "y", "yes":
					_ = client.Approve(ctx, reqID)
				default:
					_ = client.Deny(ctx, reqID, "Denied by operator")
				}
				continue
			}

			switch line {
			case "":
			case "/interrupt":
				_ = client.Interrupt(ctx)
			case "/kill":
				_ = client.Kill(ctx)
			default:
				_ = client.SendInput(ctx, line)
			}
		}
	}()

	r := newRenderer(os.Stdout)
	for {
		msg, err := client.Read(ctx)
		if err != nil {
			return nil
		}
		switch msg.Type {
		case relay.MsgMeta:
			if m, err := relay.DecodeData[relay.WireMeta](msg); err == nil {
				fmt.Printf("%s[attached]%s session %d: %s pid %d in %s\n",
					styleBoldGreen, colorReset, m.SessionID, m.Agent, m.PID, m.WorkDir)
			}
		case relay.MsgMessage:
			if m, err := relay.DecodeData[msgstore.Message](msg); err == nil {
				r.Handle(m)
			}
		case relay.MsgLive:
			fmt.Printf("%s--- live ---%s\n", colorDim, colorReset)
		case relay.MsgApprovalReq:
			if a, err := relay.DecodeData[relay.WireApproval](msg); err == nil {
				pendingCh <- a.RequestID
				fmt.Printf("\n%s[approval]%s agent wants to run %s%s%s\n",
					styleBoldYellow, colorReset, colorBold, a.Tool, colorReset)
				if len(a.Input) > 0 {
					fmt.Printf("%s%s%s\n", colorDim, truncate(string(a.Input), 400), colorReset)
				}
				fmt.Printf("Approve? [y/N] ")
			}
		case relay.MsgApprovalResult:
			if res, err := relay.DecodeData[relay.WireApprovalResult](msg); err == nil {
				fmt.Printf("%s[approval]%s %s: %s\n", colorDim, colorReset, res.Status, res.Reason)
			}
		case relay.MsgError:
			if e, err := relay.DecodeData[relay.WireError](msg); err == nil {
				fmt.Fprintf(os.Stderr, "%s[error]%s %s\n", styleBoldRed, colorReset, e.Error)
			}
		case relay.MsgDone:
			fmt.Printf("%s[done]%s session finished\n", styleBoldGreen, colorReset)
			return nil
		}
	}
}

// replayFinished renders the recording of a finished session.
func replayFinished(id int, meta *session.Meta) error {
	msgs, err := loadRecording(id)
	if err != nil {
		return fmt.Errorf("session %d is %s and has no recording", id, meta.Status)
	}
	fmt.Printf("%s[replay]%s session %d (%s, %s)\n",
		styleBoldCyan, colorReset, id, meta.Agent, meta.Status)
	r := newRenderer(os.Stdout)
	for _, m := range msgs {
		r.Handle(m)
	}
	return nil
}

func loadRecording(id int) ([]msgstore.Message, error) {
	msgs, err := recording.Load(session.RecordingPath(id))
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("empty recording")
	}
	return msgs, nil
}
