package main

import (
	"github.com/bobuhiro11/govfio/flag"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.WithError(err).Fatal("govfio")
	}
}
