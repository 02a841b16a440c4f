/*
Use either as

	$ echo -srv

or

	$ echo -cl

Optionally pass -config with a YAML file for config.Load.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dermesser/clustermq/config"
	"github.com/dermesser/clustermq/reqrep"
	"github.com/dermesser/clustermq/serialization"
	"github.com/dermesser/clustermq/transport"
	"github.com/dermesser/clustermq/worker"
)

// Shout asks the server to fail.
type Shout struct {
	Text string
}

const (
	textType  = 1
	shoutType = 2
)

func echoHandler(_ context.Context, i string) (any, error) {
	fmt.Println("Called echoHandler:", i, len(i))
	return i, nil
}

func errorReturningHandler(context.Context, Shout) (any, error) {
	return nil, errors.New("Some error occurred in handler, abort")
}

func registry() *serialization.Registry {
	reg := serialization.NewRegistry()
	serialization.RegisterString(reg, textType)
	serialization.RegisterMsgpack[Shout](reg, shoutType)
	return reg
}

func server(cfg config.Options, ep transport.Endpoint) {
	b := worker.NewFactoryBuilder()
	worker.HandleType(b, echoHandler)
	worker.HandleType(b, errorReturningHandler)

	srv, err := reqrep.NewResponder(registry(), b.Build(), cfg, nil)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer srv.Close()

	if _, err := srv.Bind(context.Background(), ep); err != nil {
		fmt.Println(err.Error())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()
}

func client(cfg config.Options, ep transport.Endpoint) {
	cl, err := reqrep.NewRequester(registry(), cfg, nil)
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	defer cl.Close()

	if err := cl.Connect(context.Background(), ep); err != nil {
		fmt.Println(err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := cl.Request(ctx, "helloworld")
	if err != nil {
		fmt.Println(err.Error())
		return
	} else {
		fmt.Println("Received response:", resp, len(resp.(string)))
	}

	resp, err = cl.Request(ctx, Shout{Text: "helloworld"})
	if err != nil {
		fmt.Println(err.Error())
		return
	} else {
		fmt.Println("Received response:", resp)
	}
}

func main() {

	var srv, cl bool
	var cfgfile, host string
	var port int
	flag.BoolVar(&srv, "srv", false, "Specify if you want us to run as server")
	flag.BoolVar(&cl, "cl", false, "Specify if you want us to run as client")
	flag.StringVar(&cfgfile, "config", "", "YAML configuration file")
	flag.StringVar(&host, "host", "localhost", "Host to bind or connect to")
	flag.IntVar(&port, "port", 9000, "Port to bind or connect to")

	flag.Parse()

	if (srv && cl) || (!srv && !cl) {
		fmt.Println("Wrong combination: Use either -srv or -cl")
		return
	}

	cfg := config.Default()
	cfg.LogLevel = "debug"
	if cfgfile != "" {
		var err error
		if cfg, err = config.Load(cfgfile); err != nil {
			fmt.Println(err.Error())
			return
		}
	}
	ep := transport.TCPEndpoint(host, port)

	if srv {
		server(cfg, ep)
	}
	if cl {
		client(cfg, ep)
	}

}
