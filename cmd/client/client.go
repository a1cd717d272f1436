package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"kestrel/internal/wire"
)

const usage = `commands:
  register <user> <password>
  login <user> <password>
  logout
  update <user> <old> <new>
  limit <bid|ask> <size> <price>
  market <bid|ask> <size>
  stop <bid|ask> <size> <stopPrice>
  cancel <orderId>
  history [n]
  exit`

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the venue server")
	flag.Parse()

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s\n%s\n", *serverAddr, usage)

	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		op, values, err := buildRequest(fields)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}

		if err := wire.WriteRequest(conn, op, values); err != nil {
			log.Fatalf("Failed to send request: %v", err)
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			log.Fatalf("Failed to read response: %v", err)
		}
		fmt.Printf("<- %s\n", payload)

		if op == wire.OpExit {
			return
		}
	}
}

func buildRequest(fields []string) (string, any, error) {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "register", "login":
		if len(args) != 2 {
			return "", nil, errors.New("usage: " + cmd + " <user> <password>")
		}
		op := wire.OpRegister
		if cmd == "login" {
			op = wire.OpLogin
		}
		return op, wire.Credentials{Username: args[0], Password: args[1]}, nil

	case "logout":
		return wire.OpLogout, struct{}{}, nil

	case "update":
		if len(args) != 3 {
			return "", nil, errors.New("usage: update <user> <old> <new>")
		}
		return wire.OpUpdateCredentials, wire.CredentialUpdate{
			Username:    args[0],
			OldPassword: args[1],
			NewPassword: args[2],
		}, nil

	case "limit":
		if len(args) != 3 {
			return "", nil, errors.New("usage: limit <bid|ask> <size> <price>")
		}
		size, price, err := twoUints(args[1], args[2])
		if err != nil {
			return "", nil, err
		}
		return wire.OpInsertLimitOrder, wire.LimitOrder{Side: args[0], Size: size, Price: price}, nil

	case "market":
		if len(args) != 2 {
			return "", nil, errors.New("usage: market <bid|ask> <size>")
		}
		size, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return "", nil, err
		}
		return wire.OpInsertMarketOrder, wire.MarketOrder{Side: args[0], Size: size}, nil

	case "stop":
		if len(args) != 3 {
			return "", nil, errors.New("usage: stop <bid|ask> <size> <stopPrice>")
		}
		size, stopPrice, err := twoUints(args[1], args[2])
		if err != nil {
			return "", nil, err
		}
		return wire.OpInsertStopOrder, wire.StopOrder{Side: args[0], Size: size, StopPrice: stopPrice}, nil

	case "cancel":
		if len(args) != 1 {
			return "", nil, errors.New("usage: cancel <orderId>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "", nil, err
		}
		return wire.OpCancelOrder, wire.CancelOrder{OrderID: id}, nil

	case "history":
		limit := 0
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return "", nil, err
			}
			limit = n
		}
		return wire.OpGetPriceHistory, wire.PriceHistory{Limit: limit}, nil

	case "exit":
		return wire.OpExit, struct{}{}, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", cmd)
}

func twoUints(a, b string) (uint64, uint64, error) {
	x, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	y, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}
