// Command uac is a reference SIP user agent client: it registers against a
// registrar, places a call, optionally transfers it, and hangs up.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	dialog "github.com/fmus3g/sipstack"
	"github.com/fmus3g/sipstack/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	extIP := flag.String("ip", "127.0.0.1:5070", "local address to bind and advertise in Contact")
	registrarAddr := flag.String("registrar", "", "registrar host:port; registration is skipped if empty")
	username := flag.String("u", "alice", "SIP username")
	password := flag.String("p", "", "password for digest auth")
	dst := flag.String("dst", "", "destination sip uri to INVITE, e.g. bob@127.0.0.1:5060")
	transferTo := flag.String("xfer", "", "if set, blind-transfer the call to this sip uri once established")
	tran := flag.String("t", "udp", "transport: udp or tcp")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	ua, err := dialog.NewUA(dialog.WithUserAgent(*username))
	if err != nil {
		log.Fatal().Err(err).Msg("fail to setup user agent")
	}

	srv, err := dialog.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("fail to setup server handle")
	}

	client, err := dialog.NewClient(ua, dialog.WithClientAddr(*extIP))
	if err != nil {
		log.Fatal().Err(err).Msg("fail to setup client handle")
	}

	ctx := context.TODO()
	go func() {
		if err := srv.ListenAndServe(ctx, *tran, *extIP); err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}()
	time.Sleep(100 * time.Millisecond)
	log.Info().Str("addr", *extIP).Msg("listening")

	if *registrarAddr != "" {
		regHost, regPort, err := sip.ParseAddr(*registrarAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -registrar")
		}
		contactHost, contactPort, err := sip.ParseAddr(*extIP)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -ip")
		}

		rc := dialog.NewRegistrationClient(client, dialog.RegistrationClientOptions{
			Registrar: sip.Uri{Host: regHost, Port: regPort},
			Username:  *username,
			Password:  *password,
			Contact:   sip.Uri{Host: contactHost, Port: contactPort},
			OnStateChange: func(old, new dialog.RegistrationState) {
				log.Info().Str("from", old.String()).Str("to", new.String()).Msg("registration state changed")
			},
		})

		if err := rc.Start(ctx, func(err error) {
			log.Error().Err(err).Msg("registration refresh failed")
		}); err != nil {
			log.Fatal().Err(err).Msg("registration failed")
		}
		defer rc.Stop()
	}

	if *dst == "" {
		log.Info().Msg("no -dst given, staying registered; Ctrl-C to exit")
		select {}
	}

	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+*dst, &recipient); err != nil {
		log.Fatal().Err(err).Str("dst", *dst).Msg("bad destination uri")
	}

	host, port, err := sip.ParseAddr(*extIP)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -ip")
	}
	contactHDR := sip.ContactHeader{
		Address: sip.Uri{User: *username, Host: host, Port: port},
		Params:  sip.NewParams(),
	}
	dua := &dialog.DialogUA{Client: client, ContactHDR: contactHDR}

	sess, err := dua.Invite(ctx, recipient, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("invite failed")
	}

	if err := sess.WaitAnswer(ctx, dialog.AnswerOptions{}); err != nil {
		log.Fatal().Err(err).Msg("call not answered")
	}
	log.Info().Int("status", int(sess.InviteResponse.StatusCode)).Msg("call established")

	if err := sess.Ack(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ack")
	}

	if *transferTo != "" {
		var target sip.Uri
		if err := sip.ParseUri("sip:"+*transferTo, &target); err != nil {
			log.Error().Err(err).Str("xfer", *transferTo).Msg("bad transfer target, skipping")
		} else if _, err := sess.ReferTo(ctx, target); err != nil {
			log.Error().Err(err).Msg("refer failed")
		} else {
			log.Info().Str("target", *transferTo).Msg("transfer requested")
		}
	}

	time.Sleep(2 * time.Second)

	if err := sess.Bye(ctx); err != nil {
		log.Error().Err(err).Msg("bye failed")
	}

	fmt.Println("done")
}
