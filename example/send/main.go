package main

import (
	"fmt"
	"net/smtp"
)

func main() {
	from := "sender@example.test"
	to := "receiver@example.test"

	for i := 1; i <= 5; i++ {
		subject := fmt.Sprintf("MailHits Example #%d", i)
		body := fmt.Sprintf("Hello from MailHits. Message %d.\r\n", i)
		message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)

		if err := smtp.SendMail("127.0.0.1:1025", nil, from, []string{to}, []byte(message)); err != nil {
			panic(err)
		}
	}

	fmt.Println("sent 5 messages")
}
