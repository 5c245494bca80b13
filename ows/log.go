package ows

import (
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.WithField("component", "ows.dispatcher")
	kvpLog = logrus.WithField("component", "ows.kvp")
	xmlLog = logrus.WithField("component", "ows.xml")
)
