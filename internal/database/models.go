package database

type CreateMessageParams struct {
	ChatId   string
	SenderId string
	Body     string
	PhotoUrl string
}
