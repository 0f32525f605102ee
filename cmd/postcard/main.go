package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"postcardcreator/internal/pcc"
	u "postcardcreator/internal/utils"
)

// Flags
var (
	username = flag.String("username", os.Getenv("POSTCARD_USERNAME"), "Swiss Post account username (or POSTCARD_USERNAME)")
	password = flag.String("password", os.Getenv("POSTCARD_PASSWORD"), "Swiss Post account password (or POSTCARD_PASSWORD)")
	method   = flag.String("method", "mixed", "login flow: mixed, legacy or swissid")

	imagePath = flag.String("image", "", "path to the cover picture (jpeg or png)")
	message   = flag.String("message", "", "text printed on the back of the card")

	toFirstname = flag.String("to-firstname", "", "recipient first name")
	toLastname  = flag.String("to-lastname", "", "recipient last name")
	toStreet    = flag.String("to-street", "", "recipient street")
	toZip       = flag.Int("to-zip", 0, "recipient zip code")
	toPlace     = flag.String("to-place", "", "recipient place")

	fromFirstname = flag.String("from-firstname", "", "sender first name")
	fromLastname  = flag.String("from-lastname", "", "sender last name")
	fromStreet    = flag.String("from-street", "", "sender street")
	fromZip       = flag.Int("from-zip", 0, "sender zip code")
	fromPlace     = flag.String("from-place", "", "sender place")

	mock     = flag.Bool("mock", false, "build the payload but do not upload")
	export   = flag.Bool("export", false, "write generated images to the trace dir")
	loglevel = flag.String("loglevel", "info", "log level")
	timeout  = flag.Duration("timeout", 5*time.Minute, "overall timeout")
)

func main() {
	flag.Parse()
	u.SetLogLevel(*loglevel)

	if *username == "" || *password == "" {
		log.Fatal("username and password are required")
	}
	if *imagePath == "" {
		log.Fatal("-image is required")
	}

	f, err := os.Open(*imagePath)
	if err != nil {
		log.Fatalf("open image: %v", err)
	}
	defer f.Close()

	card := pcc.Postcard{
		Sender: pcc.Address{
			FirstName: *fromFirstname,
			LastName:  *fromLastname,
			Street:    *fromStreet,
			ZipCode:   *fromZip,
			Place:     *fromPlace,
		},
		Recipient: pcc.Address{
			FirstName: *toFirstname,
			LastName:  *toLastname,
			Street:    *toStreet,
			ZipCode:   *toZip,
			Place:     *toPlace,
		},
		Message: *message,
		Picture: f,
	}
	if err := card.Validate(); err != nil {
		log.Fatalf("invalid postcard: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	auth := pcc.NewAuthenticator()
	token, err := auth.FetchToken(ctx, *username, *password, *method)
	if err != nil {
		log.Fatalf("login: %v", err)
	}

	client := pcc.NewClient(token)
	quota, err := client.Quota(ctx)
	if err != nil {
		log.Fatalf("quota: %v", err)
	}
	if !quota.Available && !*mock {
		log.Fatalf("no free postcard available, next at %s", quota.Next)
	}

	result, err := client.SendCard(ctx, card, pcc.SendOptions{
		MockSend:    *mock,
		ImageExport: *export,
	})
	if err != nil {
		log.Fatalf("send: %v", err)
	}

	if result.Mock {
		fmt.Println("mock send done, nothing uploaded")
		return
	}
	fmt.Printf("postcard submitted, order id %s\n", result.OrderID)
}
